package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChizhovVadim/valuenet/internal/amp"
	"github.com/ChizhovVadim/valuenet/internal/checkpoint"
	"github.com/ChizhovVadim/valuenet/internal/corpus"
	"github.com/ChizhovVadim/valuenet/internal/domain"
	"github.com/ChizhovVadim/valuenet/internal/export"
	"github.com/ChizhovVadim/valuenet/internal/loader"
	"github.com/ChizhovVadim/valuenet/internal/planes"
	"github.com/ChizhovVadim/valuenet/internal/quality"
	"github.com/ChizhovVadim/valuenet/internal/trainer"
	"github.com/dustin/go-humanize"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var cli = NewCommandHandler()
	cli.Add("train", runTrain)
	cli.Add("index", runIndex)
	cli.Add("eval", runEval)
	cli.Add("checkpoints", runCheckpoints)
	cli.Add("quality", runQuality)

	var err = cli.Execute(os.Args[1:])
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func parseTrainConfig(args []string) (trainer.Config, error) {
	var config = trainer.DefaultConfig()
	var skipMalformed bool
	var deviceName string
	var flags = flag.NewFlagSet("train", flag.ContinueOnError)
	flags.StringVar(&config.CorpusPath, "csv", "", "Path to <fen>,<centipawns> corpus")
	flags.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "Batch size")
	flags.IntVar(&config.Epochs, "epochs", config.Epochs, "Number of epochs")
	flags.Float64Var(&config.LearningRate, "lr", config.LearningRate, "Learning rate")
	flags.IntVar(&config.Workers, "workers", config.Workers, "Number of data loading workers")
	flags.IntVar(&config.Network.Filters, "filters", config.Network.Filters, "Convolution filters")
	flags.IntVar(&config.Network.Blocks, "blocks", config.Network.Blocks, "Residual blocks")
	flags.IntVar(&config.SaveEvery, "save-every", config.SaveEvery, "Checkpoint every N steps")
	flags.IntVar(&config.LogEvery, "log-every", config.LogEvery, "Log every N steps")
	flags.StringVar(&config.CheckpointDir, "checkpoint-dir", config.CheckpointDir, "Checkpoint directory")
	flags.StringVar(&config.ResumePath, "resume", "", "Checkpoint to resume from, or "+trainer.ResumeLatest)
	flags.BoolVar(&config.Export, "export", false, "Write "+trainer.ExportName+" into the checkpoint directory")
	flags.Uint64Var(&config.MaxSteps, "max-steps", 0, "Stop after this global step (0 = no limit)")
	flags.StringVar(&deviceName, "device", amp.DeviceAuto, "auto, cpu or fp16")
	flags.Int64Var(&config.Seed, "seed", 0, "Random seed")
	flags.Float64Var(&config.ClipPawns, "clip", config.ClipPawns, "Target clip in pawns")
	flags.Float64Var(&config.GradClip, "grad-clip", config.GradClip, "Max global gradient norm")
	flags.BoolVar(&skipMalformed, "skip-malformed", false, "Drop malformed corpus lines instead of failing")
	flags.BoolVar(&config.Mirror, "mirror", false, "Add colour-flipped positions")
	flags.BoolVar(&config.VerifyIndex, "verify-index", false, "Check that the index sidecar matches the corpus")
	if err := flags.Parse(args); err != nil {
		return trainer.Config{}, err
	}
	config.CorpusPath = mapPath(config.CorpusPath)
	config.CheckpointDir = mapPath(config.CheckpointDir)
	if config.ResumePath != trainer.ResumeLatest {
		config.ResumePath = mapPath(config.ResumePath)
	}
	if skipMalformed {
		config.Policy = loader.PolicySkip
	}
	device, err := amp.SelectDevice(deviceName)
	if err != nil {
		return trainer.Config{}, err
	}
	config.Device = device
	return config, config.Validate()
}

func runTrain(args []string) error {
	config, err := parseTrainConfig(args)
	if err != nil {
		return err
	}
	log.Printf("%+v", config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var t = trainer.New(config)
	err = t.Run(ctx)
	log.Println("train", "state", t.State(), "step", t.Step())
	return err
}

func runIndex(args []string) error {
	var flags = flag.NewFlagSet("index", flag.ContinueOnError)
	var path = flags.String("csv", "", "Path to <fen>,<centipawns> corpus")
	var verify = flags.Bool("verify", false, "Check the index and count malformed lines")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("corpus path is required")
	}

	var ctx = context.Background()
	c, err := corpus.Open(ctx, mapPath(*path), corpus.Options{VerifyIndex: *verify})
	if err != nil {
		return err
	}
	fmt.Println("lines", humanize.Comma(int64(c.Len())))
	if !*verify {
		return nil
	}

	var malformed int
	err = c.Walk(ctx, func(i int, rec domain.Record, err error) error {
		if err == nil {
			_, err = corpus.ToSample(rec, c.ClipPawns())
		}
		if err != nil {
			if !errors.Is(err, domain.ErrFormat) {
				return err
			}
			if malformed < 10 {
				log.Println("malformed", "line", i, "err", err)
			}
			malformed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println("malformed", humanize.Comma(int64(malformed)))
	return nil
}

func runEval(args []string) error {
	var flags = flag.NewFlagSet("eval", flag.ContinueOnError)
	var modelPath = flags.String("model", "", "Exported network")
	var fen = flags.String("fen", "", "Position")
	if err := flags.Parse(args); err != nil {
		return err
	}
	net, err := export.Load(mapPath(*modelPath))
	if err != nil {
		return err
	}
	position, err := planes.Encode(*fen)
	if err != nil {
		return err
	}
	fmt.Printf("%.2f\n", net.Evaluate(&position))
	return nil
}

func runCheckpoints(args []string) error {
	var flags = flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	var dir = flags.String("dir", trainer.DefaultConfig().CheckpointDir, "Checkpoint directory")
	if err := flags.Parse(args); err != nil {
		return err
	}
	paths, err := checkpoint.NewStore(mapPath(*dir)).List()
	if err != nil {
		return err
	}
	for _, path := range paths {
		state, err := checkpoint.Load(path)
		if err != nil {
			return err
		}
		var last string
		if len(state.History) != 0 {
			last = fmt.Sprintf("%.5f", state.History[len(state.History)-1].AvgLoss)
		}
		fmt.Println(path,
			"step", state.Step,
			"epoch", state.Epoch+1,
			"epochStep", state.EpochStep,
			"epochs", len(state.History),
			"lastAvg", last,
			"size", humanize.Bytes(fileSize(path)),
			"run", state.RunID)
	}
	return nil
}

func runQuality(args []string) error {
	var flags = flag.NewFlagSet("quality", flag.ContinueOnError)
	var modelPath = flags.String("model", "", "Exported network")
	var path = flags.String("csv", "", "Validation corpus")
	var limit = flags.Int("limit", 0, "Max lines to read (0 = all)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	net, err := export.Load(mapPath(*modelPath))
	if err != nil {
		return err
	}
	var ctx = context.Background()
	c, err := corpus.Open(ctx, mapPath(*path), corpus.Options{})
	if err != nil {
		return err
	}
	_, err = quality.Measure(ctx, net, c, *limit)
	return err
}
