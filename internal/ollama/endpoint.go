// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/base64"

	"github.com/jeranaias/vidchat/internal/chat"
)

// Endpoint adapts a Client to chat.Endpoint. Prompts are sent raw since the
// controller has already applied the conversation template.
type Endpoint struct {
	client *Client
	model  string

	// NumGPU is forwarded as num_gpu when set.
	NumGPU *int
}

// NewEndpoint creates an endpoint generating with model. An empty model uses
// the client's default.
func NewEndpoint(client *Client, model string) *Endpoint {
	return &Endpoint{client: client, model: model}
}

// Model returns the model name requests are sent to.
func (e *Endpoint) Model() string {
	if e.model == "" {
		return e.client.GetDefaultModel()
	}
	return e.model
}

// Generate implements chat.Endpoint. Every frame of every input is attached
// as an image, in order.
func (e *Endpoint) Generate(ctx context.Context, req *chat.Request) (string, error) {
	resp, err := e.client.Generate(ctx, e.buildRequest(req))
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

func (e *Endpoint) buildRequest(req *chat.Request) *GenerateRequest {
	var images []string
	for _, in := range req.Inputs {
		for _, frame := range in.Frames {
			images = append(images, base64.StdEncoding.EncodeToString(frame))
		}
	}

	return &GenerateRequest{
		Model:  e.Model(),
		Prompt: req.Prompt,
		Images: images,
		Raw:    true,
		Options: &Options{
			Temperature: req.Sampling.Temperature,
			TopP:        req.Sampling.TopP,
			NumPredict:  req.Sampling.MaxOutputTokens,
			NumGPU:      e.NumGPU,
			Stop:        req.Stop,
		},
	}
}
