package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pkgpatch",
	Short: "pkgpatch - APK native-component replacement service",
	Long:  `Replaces native libraries inside APKs with versions fetched from remote URLs, then rebuilds, aligns, and re-signs the package. Outputs are deduplicated by content hash.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("listen-addr", ":8800", "HTTP listen address")
	rootCmd.PersistentFlags().String("work-dir", ".workdir", "Root directory for uploads, outputs, and scratch space")
	rootCmd.PersistentFlags().String("index-path", "", "Content index file path (default <work-dir>/index.json)")
	rootCmd.PersistentFlags().String("sqlite-path", "", "Artifact database path (default <work-dir>/artifacts.db)")
	rootCmd.PersistentFlags().String("fsm-db-path", "", "Pipeline FSM database path (default <work-dir>/fsm.db)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "Region for s3:// component URLs")
	rootCmd.PersistentFlags().Int64("max-file-size", 2*1024*1024*1024, "Max upload size in bytes")

	viper.BindPFlag("listen-addr", rootCmd.PersistentFlags().Lookup("listen-addr"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("index-path", rootCmd.PersistentFlags().Lookup("index-path"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("max-file-size", rootCmd.PersistentFlags().Lookup("max-file-size"))
}
