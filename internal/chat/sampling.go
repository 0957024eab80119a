// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "fmt"

// Sampling bounds. They mirror the ranges the demo UI exposed.
const (
	MinTemperature     = 0.1
	MaxTemperature     = 1.0
	MinTopP            = 0.0
	MaxTopP            = 1.0
	MinMaxOutputTokens = 64
	MaxMaxOutputTokens = 1024
)

// Sampling holds the generation parameters for one submission.
type Sampling struct {
	Temperature     float64 `json:"temperature" toml:"temperature"`
	TopP            float64 `json:"top_p" toml:"top_p"`
	MaxOutputTokens int     `json:"max_output_tokens" toml:"max_output_tokens"`
}

// DefaultSampling returns the stock parameters.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:     0.2,
		TopP:            0.7,
		MaxOutputTokens: 512,
	}
}

// Validate checks every parameter against its bounds.
func (s Sampling) Validate() error {
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %.2f outside [%.1f, %.1f]",
			ErrInvalidSampling, s.Temperature, MinTemperature, MaxTemperature)
	}
	if s.TopP < MinTopP || s.TopP > MaxTopP {
		return fmt.Errorf("%w: top_p %.2f outside [%.1f, %.1f]",
			ErrInvalidSampling, s.TopP, MinTopP, MaxTopP)
	}
	if s.MaxOutputTokens < MinMaxOutputTokens || s.MaxOutputTokens > MaxMaxOutputTokens {
		return fmt.Errorf("%w: max_output_tokens %d outside [%d, %d]",
			ErrInvalidSampling, s.MaxOutputTokens, MinMaxOutputTokens, MaxMaxOutputTokens)
	}
	return nil
}
