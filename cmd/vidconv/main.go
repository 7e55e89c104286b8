package main

import (
	"os"

	"github.com/rasikakulasinghe/video-converter-android-sub001/cmd/vidconv/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
