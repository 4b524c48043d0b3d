package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/seqfill/internal/engine"
	"github.com/samcharles93/seqfill/internal/logger"
)

func fillCmd() *cli.Command {
	var (
		params    strategyParams
		sequence  string
		batchSize int64
		maxMemory int64
		stream    bool
	)

	flags := append(modelFlags(), params.flags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "sequence",
			Usage:       "JSON array of token ids, -1 for positions to generate",
			Required:    true,
			Destination: &sequence,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "parallel rows (raised to the beam width when needed)",
			Value:       1,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "max-memory",
			Usage:       "rolling cache length cap",
			Destination: &maxMemory,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "print the token buffer after every generated step",
			Destination: &stream,
		},
	)

	return &cli.Command{
		Name:  "fill",
		Usage: "Fill the pending positions of a sequence",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyFillConfig(cmd, cfg, &params, &maxMemory)

			seq, err := parseSequence(sequence)
			if err != nil {
				return err
			}
			strat, _, err := params.build()
			if err != nil {
				return err
			}

			log := buildLogger()
			ctx = logger.WithContext(ctx, log)
			opts := engine.FillOptions{
				BatchSize:       int(batchSize),
				Strategy:        strat,
				MaxMemoryLength: int(maxMemory),
			}
			model := buildModel()

			enc := json.NewEncoder(os.Stdout)
			if stream {
				var last engine.Step
				for step, err := range engine.StreamFill(ctx, model, seq, opts) {
					if err != nil {
						return err
					}
					last = step
					if err := enc.Encode(step.Tokens); err != nil {
						return err
					}
				}
				if last.Tokens == nil {
					last.Tokens = [][]int{seq}
				}
				tokens, _ := strat.Finalize(last.Tokens, last.Memory)
				return enc.Encode(tokens)
			}

			tokens, mems, err := engine.Fill(ctx, model, seq, opts)
			if err != nil {
				return err
			}
			log.Info("fill complete", "rows", len(tokens), "memory_length", mems.Length())
			return enc.Encode(tokens)
		},
	}
}

func infillCmd() *cli.Command {
	var (
		params     strategyParams
		promptJSON string
		maskTokens string
		startToken int64
		length     int64
	)

	flags := append(modelFlags(), params.flags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "JSON array of token ids containing a mask token",
			Required:    true,
			Destination: &promptJSON,
		},
		&cli.StringFlag{
			Name:        "mask-tokens",
			Usage:       "comma-separated mask token ids",
			Required:    true,
			Destination: &maskTokens,
		},
		&cli.Int64Flag{
			Name:        "start-token",
			Usage:       "start-of-piece token id",
			Required:    true,
			Destination: &startToken,
		},
		&cli.Int64Flag{
			Name:        "length",
			Usage:       "total sequence length to generate into",
			Value:       256,
			Destination: &length,
		},
	)

	return &cli.Command{
		Name:  "infill",
		Usage: "Expand mask tokens inside a sequence into generated spans",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			var maxMemory int64
			applyFillConfig(cmd, cfg, &params, &maxMemory)

			prompt, err := parseSequence(promptJSON)
			if err != nil {
				return err
			}
			masks, err := parseTokenList(maskTokens)
			if err != nil {
				return fmt.Errorf("mask-tokens: %w", err)
			}
			if len(masks) == 0 {
				return fmt.Errorf("mask-tokens must name at least one token id")
			}

			log := buildLogger()
			ctx = logger.WithContext(ctx, log)
			model := buildModel()

			// Expand the earliest mask, splice the result back and repeat
			// until no mask token remains.
			doc := prompt
			for {
				maskPos, ok := engine.FindMaskPosition(doc, masks)
				if !ok {
					break
				}
				strat, endTokens, err := params.build()
				if err != nil {
					return err
				}
				seq, err := engine.BuildInfillSequence(doc, int(startToken), int(length))
				if err != nil {
					return err
				}
				contextLength := len(doc) + 1
				opts := engine.FillOptions{
					Strategy:        strat,
					MaxMemoryLength: int(maxMemory),
					Layout: func(s engine.Sequence) engine.Layout {
						return engine.InfillLayout(s, maskPos, contextLength)
					},
				}
				tokens, _, err := engine.Fill(ctx, model, seq, opts)
				if err != nil {
					return err
				}
				doc, err = engine.SpliceInfill(tokens[0], maskPos, int(startToken), endTokens)
				if err != nil {
					return err
				}
				log.Debug("filled mask", "position", maskPos, "document_length", len(doc))
			}

			return json.NewEncoder(os.Stdout).Encode(doc)
		},
	}
}
