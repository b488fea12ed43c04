package main

import (
	"flag"

	"github.com/neuroglia-io/cloud-streams-sub001/cmd/cloudstreams/cmd"
	"k8s.io/klog/v2"
)

func main() {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	// 让 cobra 解析 -v, --logtostderr 等 klog 参数
	cmd.GetRootCmd().PersistentFlags().AddGoFlagSet(fs)

	cmd.Execute()
}
