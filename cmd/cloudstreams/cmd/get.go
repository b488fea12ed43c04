package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
)

const defaultNamespace = "default"

// scopeFlags 是 get 和 watch 共用的范围标志
type scopeFlags struct {
	namespace     string
	allNamespaces bool
	selector      string
}

func (f *scopeFlags) addTo(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.namespace, "namespace", "n", defaultNamespace, "Namespace of the resources")
	cmd.Flags().BoolVarP(&f.allNamespaces, "all-namespaces", "A", false, "List resources across all namespaces")
	cmd.Flags().StringVarP(&f.selector, "selector", "l", "", "Label selector, e.g. tier=edge,app!=legacy")
}

// namespaceFor 返回实际查询的命名空间；集群级资源和 -A 都返回空
func (f *scopeFlags) namespaceFor(def definitions.Definition) string {
	if f.allNamespaces || !def.Namespaced() {
		return ""
	}
	return f.namespace
}

func (f *scopeFlags) listOptions(def definitions.Definition) (registry.ListOptions, error) {
	opts := registry.ListOptions{Namespace: f.namespaceFor(def)}
	if f.selector != "" {
		selector, err := labels.Parse(f.selector)
		if err != nil {
			return registry.ListOptions{}, fmt.Errorf("invalid selector %q: %w", f.selector, err)
		}
		opts.LabelSelector = selector
	}
	return opts, nil
}

// newGetCmd 创建 get 命令
func newGetCmd() *cobra.Command {
	var scope scopeFlags
	var output string

	cmd := &cobra.Command{
		Use:   "get <resource> [name]",
		Short: "Display one or many resources",
		Long: `Prints a table of the most important information about the specified resources.
Resources can be named by plural, singular, short name or kind, e.g. gateways, gw or Gateway.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := util.NewFactoryFromFlags()
			if err != nil {
				return err
			}
			def, err := f.Resolve(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var objs []runtime.Object
			var single runtime.Object
			if len(args) == 2 {
				single, err = f.Client.Get(ctx, def.GroupVersionKind(), scope.namespaceFor(def), args[1])
				if err != nil {
					return err
				}
				objs = []runtime.Object{single}
			} else {
				opts, err := scope.listOptions(def)
				if err != nil {
					return err
				}
				list, err := f.Client.List(ctx, def.GroupVersionKind(), opts)
				if err != nil {
					return err
				}
				if output != util.OutputTable {
					return util.PrintObject(os.Stdout, f.Scheme, list, output)
				}
				if objs, err = meta.ExtractList(list); err != nil {
					return err
				}
			}

			switch {
			case output != util.OutputTable:
				return util.PrintObject(os.Stdout, f.Scheme, single, output)
			case len(objs) == 0:
				if ns := scope.namespaceFor(def); ns != "" {
					fmt.Printf("No resources found in %s namespace.\n", ns)
				} else {
					fmt.Println("No resources found.")
				}
			default:
				util.PrintTable(os.Stdout, objs, scope.allNamespaces && def.Namespaced(), time.Now())
			}
			return nil
		},
	}

	scope.addTo(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", util.OutputTable, "Output format: table, json or yaml")
	return cmd
}
