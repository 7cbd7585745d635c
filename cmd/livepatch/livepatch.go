package main

import (
	"flag"
	"os"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/cmd/livepatch/app"
	"github.com/fengyoulin/livepatch/warden"
)

func main() {
	// A warden child never returns from here.
	warden.Init()

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	command := app.NewLivepatchCommand()
	if err := app.Execute(command); err != nil {
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
