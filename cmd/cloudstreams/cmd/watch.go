package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// newWatchCmd 创建 watch 命令
func newWatchCmd() *cobra.Command {
	var scope scopeFlags

	cmd := &cobra.Command{
		Use:   "watch <resource>",
		Short: "Stream changes to resources as JSON lines",
		Long: `Prints one {"type": ..., "resource": ...} line per change until interrupted.
Type is one of created, updated or deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := util.NewFactoryFromFlags()
			if err != nil {
				return err
			}
			def, err := f.Resolve(args[0])
			if err != nil {
				return err
			}
			opts, err := scope.listOptions(def)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := f.Client.Watch(ctx, def.GroupVersionKind(), opts)
			if err != nil {
				return err
			}
			defer w.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-w.ResultChan():
					if !ok {
						klog.V(2).Info("Watch stream closed by server")
						return nil
					}
					wire, err := registry.NewEvent(f.Scheme, ev)
					if err != nil {
						klog.Warningf("Skipping event: %v", err)
						continue
					}
					if err := util.PrintEvent(os.Stdout, wire); err != nil {
						return err
					}
				}
			}
		},
	}

	scope.addTo(cmd)
	return cmd
}
