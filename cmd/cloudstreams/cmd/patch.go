package cmd

import (
	"fmt"
	"os"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/types"
)

var patchTypes = map[string]types.PatchType{
	"json":      types.JSONPatchType,
	"merge":     types.MergePatchType,
	"strategic": types.StrategicMergePatchType,
}

// newPatchCmd 创建 patch 命令
func newPatchCmd() *cobra.Command {
	var namespace, patchType, patch, output string
	var status bool

	cmd := &cobra.Command{
		Use:   "patch <resource> <name> --type json|merge|strategic -p <patch>",
		Short: "Update fields of a resource with a patch",
		Long: `Applies a JSON patch (RFC 6902), a JSON merge patch (RFC 7386) or a strategic
merge patch to the specified resource. The patch type must always be given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, ok := patchTypes[patchType]
			if !ok {
				return fmt.Errorf("unsupported patch type %q, must be one of json, merge or strategic", patchType)
			}
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

			p := registry.Patch{Type: pt, Data: []byte(patch)}
			patchFn := f.Client.Patch
			if status {
				patchFn = f.Client.PatchStatus
			}
			obj, err := patchFn(cmd.Context(), def.GroupVersionKind(), namespace, args[1], p)
			if err != nil {
				return err
			}
			if output != "" {
				return util.PrintObject(os.Stdout, f.Scheme, obj, output)
			}
			fmt.Printf("%s.%s/%s patched\n", def.Singular, def.Group, args[1])
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", defaultNamespace, "Namespace of the resource")
	cmd.Flags().StringVar(&patchType, "type", "", "Patch type: json, merge or strategic")
	cmd.Flags().StringVarP(&patch, "patch", "p", "", "The patch document")
	cmd.Flags().BoolVar(&status, "status", false, "Patch the status subresource instead of the resource")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Print the patched resource as json or yaml")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("patch")
	return cmd
}
