package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"facelapse/internal/cli"
	"facelapse/internal/config"
	"facelapse/internal/faces"
	"facelapse/internal/geom"
	"facelapse/internal/imaging"
	"facelapse/internal/logging"
	"facelapse/internal/storage"
	"facelapse/internal/usererr"
)

func main() {
	if err := run(); err != nil {
		if usererr.Is(err) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Unexpected error: %+v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run history unavailable", "error", err)
		store = nil
	}
	defer store.Close()

	imaging.Initialize()
	defer imaging.Terminate()

	root := cli.NewRoot(cfg, log, store, cli.Deps{
		Probe:      imaging.Probe,
		Dimensions: imaging.Dimensions,
		Render: func(ctx context.Context, srcPath string, m geom.Affine, width, height int) ([]byte, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return imaging.RenderAffine(srcPath, m, width, height)
		},
		CaptionRender: func(ctx context.Context, srcPath, text string) ([]byte, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return imaging.RenderCaption(srcPath, text)
		},
		Annotate: imaging.WriteAnnotated,
		Finders: func() (faces.Finder, error) {
			return faces.NewDlibFinder(cfg.Faces.ModelsDir)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
