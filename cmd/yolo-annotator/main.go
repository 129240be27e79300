package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"

	annotator "github.com/menta2k/yolo-annotator"
)

func main() {
	root := newRootCmd()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(annotator.GetVersion()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		os.Exit(1)
	}
}
