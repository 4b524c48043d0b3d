package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/seqfill/internal/engine"
	"github.com/samcharles93/seqfill/internal/logger"
	"github.com/samcharles93/seqfill/internal/strategy"
	"github.com/samcharles93/seqfill/internal/toy"
)

// Shared flag destinations. The toy model stands in for a real network;
// checkpoint loading is out of scope.
var (
	vocab     int64
	layers    int64
	dim       int64
	modelSeed int64

	logLevel  string
	logFormat string
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "toy model vocabulary size",
			Value:       64,
			Destination: &vocab,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "toy model layer count",
			Value:       2,
			Destination: &layers,
		},
		&cli.Int64Flag{
			Name:        "dim",
			Usage:       "toy model cache width per position",
			Value:       8,
			Destination: &dim,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "toy model weight seed",
			Destination: &modelSeed,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "text or json",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

func buildModel() engine.Model {
	return toy.New(int(vocab), int(layers), int(dim), modelSeed)
}

func buildLogger() logger.Logger {
	if logFormat == "json" {
		return logger.JSON(os.Stderr, logger.ParseLevel(logLevel))
	}
	return logger.Text(os.Stderr, logger.ParseLevel(logLevel))
}

// strategyParams collects the decoding flags shared by fill and infill.
type strategyParams struct {
	name          string
	temperature   float64
	topK          int64
	topP          float64
	seed          int64
	endTokens     string
	numBeams      int64
	lengthPenalty float64
	noRepeatNGram int64
	minTgtLength  int64
	considerEnd   bool
}

func (p *strategyParams) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "strategy",
			Usage:       "decoding strategy: sampling or beam",
			Value:       "sampling",
			Destination: &p.name,
		},
		&cli.FloatFlag{
			Name:        "temperature",
			Aliases:     []string{"temp"},
			Usage:       "sampling temperature (0 = greedy)",
			Destination: &p.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k truncation (0 = whole vocabulary)",
			Destination: &p.topK,
		},
		&cli.FloatFlag{
			Name:        "top-p",
			Usage:       "nucleus truncation",
			Value:       1.0,
			Destination: &p.topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed",
			Destination: &p.seed,
		},
		&cli.StringFlag{
			Name:        "end-tokens",
			Usage:       "comma-separated end token ids",
			Destination: &p.endTokens,
		},
		&cli.Int64Flag{
			Name:        "beams",
			Usage:       "beam width for the beam strategy",
			Value:       4,
			Destination: &p.numBeams,
		},
		&cli.FloatFlag{
			Name:        "length-penalty",
			Usage:       "beam length penalty exponent",
			Value:       1.0,
			Destination: &p.lengthPenalty,
		},
		&cli.Int64Flag{
			Name:        "no-repeat-ngram",
			Usage:       "ban repeating n-grams of this size",
			Destination: &p.noRepeatNGram,
		},
		&cli.Int64Flag{
			Name:        "min-tgt-length",
			Usage:       "minimum generated length before end tokens",
			Destination: &p.minTgtLength,
		},
		&cli.BoolFlag{
			Name:        "consider-end",
			Usage:       "collect ended beams and keep searching",
			Value:       true,
			Destination: &p.considerEnd,
		},
	}
}

func (p *strategyParams) build() (strategy.Strategy, []int, error) {
	endTokens, err := parseTokenList(p.endTokens)
	if err != nil {
		return nil, nil, fmt.Errorf("end-tokens: %w", err)
	}
	switch p.name {
	case "sampling":
		return strategy.NewSampling(strategy.SamplingConfig{
			Seed:        p.seed,
			Temperature: float32(p.temperature),
			TopK:        int(p.topK),
			TopP:        float32(p.topP),
			EndTokens:   endTokens,
		}), endTokens, nil
	case "beam":
		return strategy.NewBeamSearch(strategy.BeamSearchConfig{
			NumBeams:          int(p.numBeams),
			LengthPenalty:     p.lengthPenalty,
			EndTokens:         endTokens,
			NoRepeatNGramSize: int(p.noRepeatNGram),
			MinTargetLength:   int(p.minTgtLength),
			ConsiderEnd:       p.considerEnd,
		}), endTokens, nil
	default:
		return nil, nil, fmt.Errorf("unknown strategy %q", p.name)
	}
}

// parseTokenList parses a comma-separated list of token ids.
func parseTokenList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseSequence parses a JSON array of token ids ("[5, 7, -1, -1]").
func parseSequence(s string) ([]int, error) {
	var seq []int
	if err := json.Unmarshal([]byte(s), &seq); err != nil {
		return nil, fmt.Errorf("sequence must be a JSON array of token ids: %w", err)
	}
	return seq, nil
}
