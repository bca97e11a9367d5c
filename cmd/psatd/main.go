package main

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "psatd",
		Short: "Spectral (PSATD) Maxwell solver driver",
		Long: `psatd advances electromagnetic fields on a block-partitioned grid with
the pseudo-spectral analytical time-domain update.`,
		SilenceUsage: true,
	}
	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(newRunCmd())
	return cmd
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Fatalf("psatd: %v", err)
	}
}
