package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/spf13/cobra"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
)

// newApplyCmd 创建 apply 命令
func newApplyCmd() *cobra.Command {
	var filename, namespace string

	cmd := &cobra.Command{
		Use:   "apply -f <file>",
		Short: "Create or replace resources from a yaml manifest",
		Long: `Reads one or more "---" separated documents and creates each resource,
or replaces it when it already exists. Use "-f -" to read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := util.NewFactoryFromFlags()
			if err != nil {
				return err
			}

			var in io.Reader = os.Stdin
			if filename != "-" {
				file, err := os.Open(filename)
				if err != nil {
					return err
				}
				defer file.Close()
				in = file
			}
			objs, err := util.DecodeManifests(in, f.Scheme, f.Defs)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", filename, err)
			}

			for _, obj := range objs {
				result, err := apply(cmd, f, obj, namespace)
				if err != nil {
					return err
				}
				fmt.Println(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filename, "filename", "f", "", "Manifest to apply, or - for stdin")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", defaultNamespace, "Namespace for documents that do not set one")
	cmd.MarkFlagRequired("filename")
	return cmd
}

// apply 创建或替换一个资源，返回形如 "gateway.cloud-streams.io/main created" 的结果
func apply(cmd *cobra.Command, f *util.Factory, obj runtime.Object, namespace string) (string, error) {
	gvk := obj.GetObjectKind().GroupVersionKind()
	def, ok := f.Defs.ForKind(gvk)
	if !ok {
		return "", fmt.Errorf("no resource definition registered for %s", gvk)
	}
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return "", err
	}
	if def.Namespaced() && accessor.GetNamespace() == "" {
		accessor.SetNamespace(namespace)
	}
	ref := def.Singular + "." + def.Group + "/" + accessor.GetName()

	ctx := cmd.Context()
	current, err := f.Client.Get(ctx, gvk, accessor.GetNamespace(), accessor.GetName())
	if apierrors.IsNotFound(err) {
		if _, err := f.Client.Add(ctx, obj); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", ref, err)
		}
		return ref + " created", nil
	}
	if err != nil {
		return "", err
	}

	currentAccessor, err := metav1.Accessor(current)
	if err != nil {
		return "", err
	}
	// 以读到的版本为前提替换，期间被别人修改时返回冲突
	accessor.SetResourceVersion(currentAccessor.GetResourceVersion())
	if _, err := f.Client.Update(ctx, obj); err != nil {
		return "", fmt.Errorf("failed to update %s: %w", ref, err)
	}
	return ref + " configured", nil
}
