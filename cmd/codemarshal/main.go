package main

import (
	"context"
	"os"

	"codemarshal/internal/cli"
	logx "codemarshal/pkg/logx"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		logx.NewConsole("error").Error("codemarshal failed", logx.Err(err))
		os.Exit(1)
	}
}
