package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/iota-xfel/iota/internal/log"
	"github.com/iota-xfel/iota/internal/model"
)

var (
	userConfigPath string // /default/config/path/iota on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "iota")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is iota.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("output", "", "output directory, overrides the config file")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.SetEnvPrefix("IOTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initIota

	runCmd.Flags().Bool("monitor", false, "keep watching the inputs for new images")
	runCmd.Flags().String("from", "", "re-run the successful results of a previous run directory")
	abortCmd.Flags().Bool("kill", false, "also ask the batch scheduler to kill the jobs")
	statusCmd.Flags().Bool("json", false, "print the progress as JSON")
	processCmd.Flags().String("batch", "", "serialized batch")
	processCmd.Flags().String("type", "", "item type of the batch")
	processCmd.Flags().String("abort", "", "abort sentinel of the run")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("iota failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "iota",
	Short:        "Dispatches diffraction image processing and keeps track of the results",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of iota",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("iota: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("iota:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// findConfig returns the config file to load, or "" when there is none.
// IOTACONFIG wins over --config, then ./iota.yaml and the user config dir.
func findConfig() string {
	if env, ok := os.LookupEnv("IOTACONFIG"); ok {
		return env
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, dir := range []string{".", userConfigPath} {
		if candidate := filepath.Join(dir, "iota.yaml"); exists(candidate) {
			return candidate
		}
	}
	return ""
}

func readConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, issue := range model.ConfigIssues(err) {
			slog.Error("invalid config", issue.Attr("issue"))
		}
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func initIota(cmd *cobra.Command, _ []string) error {
	configPath = findConfig()
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "iota.yaml")
		if err := writeDefaultConfig(configPath, config); err != nil {
			return err
		}
	} else {
		cfg, err := readConfig(configPath)
		if err != nil {
			return err
		}
		config = cfg
	}

	// flags and IOTA_* variables override the file
	if viper.GetBool("verbose") {
		config.Service.Verbose = true
	}
	if output := viper.GetString("output"); output != "" {
		config.Output = output
	}

	slog.SetDefault(log.New(log.Writer(config.Service.Log), config.Service.Verbose))
	slog.Debug("config loaded", "path", configPath, "output", config.Output, "method", config.Dispatch.Method)
	return nil
}

func writeDefaultConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// withRunLog sends the log to the run directory as well.
func withRunLog(ctx context.Context, path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	prev := slog.Default()
	slog.SetDefault(log.New(log.Writer(config.Service.Log), config.Service.Verbose, f))
	slog.DebugContext(ctx, "logging to run log", "path", path)
	return func() {
		slog.SetDefault(prev)
		_ = f.Close()
	}, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
