package cmd

import (
	"fmt"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	"github.com/spf13/cobra"
)

// newDeleteCmd 创建 delete 命令
func newDeleteCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "delete <resource> <name>",
		Short: "Delete a resource",
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

			if _, err := f.Client.Delete(cmd.Context(), def.GroupVersionKind(), namespace, args[1]); err != nil {
				return err
			}
			fmt.Printf("%s.%s/%s deleted\n", def.Singular, def.Group, args[1])
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", defaultNamespace, "Namespace of the resource")
	return cmd
}
