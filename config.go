// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// paramAliases maps the dotted YAML configuration keys to the flat context
// hyperparameter names used by the model, the datasets and the optimizer.
// Dotted keys not listed here are not valid configuration.
var paramAliases = map[string]string{
	"dataset.name":       ParamDataset,
	"dataset.train_size": ParamTrainSize,
	"dataset.valid_size": ParamValidSize,
	"dataset.seed":       ParamDataSeed,

	"model.image_size":        ParamImageSize,
	"model.patch_size":        ParamPatchSize,
	"model.channels":          ParamChannels,
	"model.embed_dim":         ParamEmbedDim,
	"model.depth":             ParamDepth,
	"model.num_heads":         ParamNumHeads,
	"model.mlp_ratio":         ParamMLPRatio,
	"model.decoder_embed_dim": ParamDecoderEmbedDim,
	"model.decoder_depth":     ParamDecoderDepth,
	"model.decoder_num_heads": ParamDecoderNumHeads,
	"model.mask_ratio":        ParamMaskRatio,
	"model.dropout_rate":      ParamDropoutRate,

	"training.steps":           ParamNumSteps,
	"training.batch_size":      ParamBatchSize,
	"training.eval_batch_size": ParamEvalBatchSize,
	"training.optimizer":       optimizers.ParamOptimizer,
	"training.lr":              optimizers.ParamLearningRate,
	"training.weight_decay":    optimizers.ParamAdamWeightDecay,
	"training.seed":            ParamRngSeed,
	"training.eval_every":      ParamEvalEverySteps,
}

// flattenYAML recursively flattens nested YAML maps into dotted keys:
// {training: {lr: 0.001}} becomes {"training.lr": 0.001}.
func flattenYAML(prefix string, node map[string]any, flat map[string]any) {
	for key, value := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := value.(map[string]any); ok {
			flattenYAML(full, sub, flat)
		} else {
			flat[full] = value
		}
	}
}

// setParamFromValue sets a context hyperparameter from a decoded YAML value,
// normalizing the numeric types YAML produces.
func setParamFromValue(ctx *context.Context, param string, value any) error {
	switch v := value.(type) {
	case bool, int, float64, string:
		ctx.SetParam(param, v)
	case int64:
		ctx.SetParam(param, int(v))
	default:
		return errors.Errorf("hyperparameter %q has unsupported value type %T (%v)", param, value, value)
	}
	return nil
}

// LoadConfig reads a YAML configuration file and applies it as context
// hyperparameters. Nested sections are flattened to dotted keys ("training.lr")
// and must be listed in paramAliases: an unknown key is an error rather than a
// silent no-op.
func LoadConfig(ctx *context.Context, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.WithMessagef(err, "reading configuration %q", path)
	}
	var parsed map[string]any
	if err = yaml.Unmarshal(contents, &parsed); err != nil {
		return errors.WithMessagef(err, "parsing configuration %q", path)
	}
	flat := make(map[string]any)
	flattenYAML("", parsed, flat)
	for key, value := range flat {
		param, found := paramAliases[key]
		if !found {
			return errors.Errorf("configuration %q: unknown key %q (valid keys: %s)",
				path, key, strings.Join(validConfigKeys(), ", "))
		}
		if err = setParamFromValue(ctx, param, value); err != nil {
			return errors.WithMessagef(err, "configuration %q", path)
		}
	}
	return nil
}

// ApplyOverrides applies command-line "key=value" overrides on top of the
// configuration: keys are either dotted configuration keys ("training.lr") or
// the flat hyperparameter names themselves ("learning_rate"). Values are parsed
// as bool, int or float when they look like one, otherwise kept as strings.
func ApplyOverrides(ctx *context.Context, overrides []string) error {
	for _, override := range overrides {
		key, value, found := strings.Cut(override, "=")
		if !found || key == "" {
			return errors.Errorf("override %q is not in key=value form", override)
		}
		if param, ok := paramAliases[key]; ok {
			key = param
		}
		ctx.SetParam(key, parseValue(value))
	}
	return nil
}

func parseValue(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func validConfigKeys() []string {
	keys := make([]string, 0, len(paramAliases))
	for key := range paramAliases {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SampleConfig returns a YAML document with every configuration key and its
// current value in ctx, usable as a starting configuration file.
func SampleConfig(ctx *context.Context) string {
	var sb strings.Builder
	sections := map[string]map[string]any{}
	for key, param := range paramAliases {
		section, name, _ := strings.Cut(key, ".")
		if sections[section] == nil {
			sections[section] = map[string]any{}
		}
		if value, found := ctx.GetParam(param); found {
			sections[section][name] = value
		}
	}
	for _, section := range []string{"dataset", "model", "training"} {
		entries := sections[section]
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s:\n", section)
		contents, _ := yaml.Marshal(entries)
		for _, line := range strings.Split(strings.TrimRight(string(contents), "\n"), "\n") {
			fmt.Fprintf(&sb, "  %s\n", line)
		}
	}
	return sb.String()
}
