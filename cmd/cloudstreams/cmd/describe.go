package cmd

import (
	"os"
	"time"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	"github.com/spf13/cobra"
)

// newDescribeCmd 创建 describe 命令
func newDescribeCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "describe <resource> <name>",
		Short: "Show detailed information about a resource",
		Long:  `Prints the metadata, spec and status conditions of the specified resource.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := util.NewFactoryFromFlags()
			if err != nil {
				return err
			}
			def, err := f.Resolve(args[0])
			if err != nil {
				return err
			}
			if !def.Namespaced() {
				namespace = ""
			}

			obj, err := f.Client.Get(cmd.Context(), def.GroupVersionKind(), namespace, args[1])
			if err != nil {
				return err
			}
			return util.PrintDescription(os.Stdout, f.Scheme, obj, time.Now())
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", defaultNamespace, "Namespace of the resource")
	return cmd
}
