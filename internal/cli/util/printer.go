package util

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/yaml"
)

// Output formats accepted by -o
const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

// PrintTable 将资源列表以表格形式打印到指定的 writer。
func PrintTable(out io.Writer, objs []runtime.Object, allNamespaces bool, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	if len(objs) == 0 {
		return
	}

	// 表头由第一个对象的类型决定，一次调用只会有一种类型
	headers := append([]string{"NAME"}, extraHeaders(objs[0])...)
	headers = append(headers, "READY", "AGE")
	if allNamespaces {
		headers = append([]string{"NAMESPACE"}, headers...)
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	for _, obj := range objs {
		accessor, err := metav1.Accessor(obj)
		if err != nil {
			continue
		}
		row := append([]string{accessor.GetName()}, extraColumns(obj)...)
		row = append(row, readyOf(obj), formatAge(now.Sub(accessor.GetCreationTimestamp().Time)))
		if allNamespaces {
			row = append([]string{accessor.GetNamespace()}, row...)
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

func extraHeaders(obj runtime.Object) []string {
	switch obj.(type) {
	case *cloudstreamsv1.Gateway:
		return []string{"STRATEGY", "RULES", "SOURCES"}
	case *cloudstreamsv1.Broker:
		return []string{"SEQUENTIAL", "MAX-ATTEMPTS"}
	case *cloudstreamsv1.Subscription:
		return []string{"SUBSCRIBER", "FILTER"}
	default:
		return nil
	}
}

func extraColumns(obj runtime.Object) []string {
	switch o := obj.(type) {
	case *cloudstreamsv1.Gateway:
		strategy, rules := "<none>", 0
		if p := o.Spec.Authorization; p != nil {
			rules = len(p.Rules)
			if p.DecisionStrategy != "" {
				strategy = string(p.DecisionStrategy)
			}
		}
		return []string{strategy, fmt.Sprint(rules), fmt.Sprint(len(o.Spec.Events))}
	case *cloudstreamsv1.Broker:
		sequential, attempts := "false", "<none>"
		if d := o.Spec.Dispatch; d != nil {
			sequential = fmt.Sprint(d.Sequential)
			if d.RetryPolicy != nil && d.RetryPolicy.MaxAttempts != nil {
				attempts = fmt.Sprint(*d.RetryPolicy.MaxAttempts)
			}
		}
		return []string{sequential, attempts}
	case *cloudstreamsv1.Subscription:
		filter := "<none>"
		if o.Spec.Filter != nil {
			filter = string(o.Spec.Filter.Type)
		}
		return []string{o.Spec.Subscriber.URI, filter}
	default:
		return nil
	}
}

func conditionsOf(obj runtime.Object) []metav1.Condition {
	switch o := obj.(type) {
	case *cloudstreamsv1.Gateway:
		return o.Status.Conditions
	case *cloudstreamsv1.Broker:
		return o.Status.Conditions
	case *cloudstreamsv1.Subscription:
		return o.Status.Conditions
	default:
		return nil
	}
}

func readyOf(obj runtime.Object) string {
	c := metav1.FindCondition(conditionsOf(obj), "Ready")
	if c == nil {
		return "Unknown"
	}
	return string(c.Status)
}

// formatAge 将时长格式化为 "XdYh"、"YhZm" 或 "Zm" 的形式
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// PrintObject 以 json 或 yaml 输出完整的资源文档
func PrintObject(out io.Writer, scheme *runtime.Scheme, obj runtime.Object, format string) error {
	data, err := registry.Encode(scheme, obj)
	if err != nil {
		return err
	}
	switch format {
	case OutputJSON:
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case OutputYAML:
		y, err := yaml.JSONToYAML(data)
		if err != nil {
			return err
		}
		_, err = out.Write(y)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// PrintEvent 以一行 JSON 输出 watch 事件
func PrintEvent(out io.Writer, event registry.Event) error {
	return json.NewEncoder(out).Encode(event)
}

// PrintDescription 打印一个资源的详细信息
func PrintDescription(out io.Writer, scheme *runtime.Scheme, obj runtime.Object, now time.Time) error {
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Name:\t%s\n", accessor.GetName())
	if ns := accessor.GetNamespace(); ns != "" {
		fmt.Fprintf(w, "Namespace:\t%s\n", ns)
	}
	fmt.Fprintf(w, "Kind:\t%s\n", obj.GetObjectKind().GroupVersionKind().Kind)
	fmt.Fprintf(w, "Labels:\t%s\n", formatMap(accessor.GetLabels()))
	fmt.Fprintf(w, "Annotations:\t%s\n", formatMap(accessor.GetAnnotations()))
	fmt.Fprintf(w, "UID:\t%s\n", accessor.GetUID())
	fmt.Fprintf(w, "Resource Version:\t%s\n", accessor.GetResourceVersion())
	created := accessor.GetCreationTimestamp()
	fmt.Fprintf(w, "Created:\t%s (%s ago)\n", created.UTC().Format(time.RFC3339), formatAge(now.Sub(created.Time)))
	if err := w.Flush(); err != nil {
		return err
	}

	// spec 原样按 yaml 缩进打印
	data, err := registry.Encode(scheme, obj)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if spec, ok := doc["spec"]; ok {
		y, err := yaml.Marshal(spec)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Spec:")
		for _, line := range strings.Split(strings.TrimRight(string(y), "\n"), "\n") {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}

	conditions := conditionsOf(obj)
	fmt.Fprintln(out, "Conditions:")
	if len(conditions) == 0 {
		fmt.Fprintln(out, "  <none>")
		return nil
	}
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "  TYPE\tSTATUS\tREASON\tMESSAGE")
	for _, c := range conditions {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.Type, c.Status, c.Reason, c.Message)
	}
	return w.Flush()
}

func formatMap(m map[string]string) string {
	if len(m) == 0 {
		return "<none>"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return strings.Join(pairs, ",")
}
