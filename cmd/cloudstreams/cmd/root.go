package cmd

import (
	"fmt"
	"os"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "cloudstreams",
		Short: "Manage CloudStreams gateways, brokers and subscriptions",
		Long: `cloudstreams hosts the CloudStreams resource API and event gateway,
and talks to a running instance to manage its resources.

Run "cloudstreams serve" to start a node, then use get, apply, patch
and the other commands with --server pointing at it.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
)

// Execute 执行根命令，出错时以状态码 1 退出
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.cloudstreams.yaml or $HOME/.cloudstreams.yaml)")
	rootCmd.PersistentFlags().String("server", "", "Address of the CloudStreams resource API, e.g. http://localhost:8080")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newDescribeCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newPatchCmd())
	rootCmd.AddCommand(newWatchCmd())
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigName(".cloudstreams")
		viper.SetConfigType("yaml")
	}

	// 例如 CLOUDSTREAMS_SERVER, CLOUDSTREAMS_GATEWAY_NAME
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	} else {
		klog.V(2).Infof("Using config file %s", viper.ConfigFileUsed())
	}
}

// GetRootCmd 导出 rootCmd 以便 main.go 可以添加 klog 标志
func GetRootCmd() *cobra.Command {
	return rootCmd
}
