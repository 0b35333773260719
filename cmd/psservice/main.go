package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/agent"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/controller"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/log"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/status"
)

var (
	hostConfig HostConfig

	flagVerbose        bool   // value of --verbose flag
	flagDefinitionPath string // value of --definition flag
	flagServiceName    string // value of --name flag (send)
	flagDataPath       string // value of --data-path flag (send)
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVar(&flagDefinitionPath, "definition", "", "service definition file (YAML)")
	_ = runCmd.MarkFlagRequired("definition")
	validateCmd.Flags().StringVar(&flagDefinitionPath, "definition", "", "service definition file (YAML)")
	_ = validateCmd.MarkFlagRequired("definition")
	sendCmd.Flags().StringVar(&flagServiceName, "name", "", "service name")
	_ = sendCmd.MarkFlagRequired("name")
	sendCmd.Flags().StringVar(&flagDataPath, "data-path", "", "service data path (default "+defaultDataRoot+"/<name>)")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse host options, setup logging
	rootCmd.PersistentPreRunE = initHost

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("psservice failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "psservice",
	Short:        "Host a declarative service definition as a background service",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run hosts the definition's scripts until stopped",
	RunE:  doRun,
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "send writes one control message to a running service's pipe",
	Args:  cobra.ExactArgs(1),
	RunE:  doSend,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "validate loads a definition file and reports its problems",
	RunE:  doValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of psservice",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("psservice: version info not available")
			return
		}

		fmt.Printf("psservice: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	def, err := loadDefinition(flagDefinitionPath)
	if err != nil {
		return err
	}

	attrs := slog.Group("psservice",
		slog.String("cmd", "run"),
		slog.String("service", def.Name),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	var reporter status.Reporter
	if notify, ok := status.NewNotifyReporter(); ok {
		reporter = notify
	} else {
		// Foreground run without a service manager.
		reporter = status.NewRecorder()
	}

	ctrl := controller.New(def, reporter, controller.WithWaitHint(hostConfig.WaitHint))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return ctrl.Run(ctx)
}

func doSend(cmd *cobra.Command, args []string) error {
	dataPath := flagDataPath
	if dataPath == "" {
		dataPath = filepath.Join(defaultDataRoot, flagServiceName)
	}
	return agent.Send(agent.SocketPath(dataPath, flagServiceName), args[0])
}

func doValidate(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(flagDefinitionPath)
	if err != nil {
		return err
	}
	fmt.Printf("definition OK: service %s\n", def.Name)
	return nil
}

func loadDefinition(path string) (*model.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening definition file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	def, err := model.LoadDefinition(f)
	if err != nil {
		for _, d := range model.DefinitionErrDetails(err) {
			slog.Error("invalid service definition", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	applyPathDefaults(def)
	return def, nil
}

func initHost(cmd *cobra.Command, _ []string) error {
	var err error
	hostConfig, err = ParseHostConfig()
	if err != nil {
		return fmt.Errorf("parsing host configuration: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		hostConfig.Verbose = true
	}
	log.Setup(hostConfig.Verbose)

	slog.Debug("psservice host", "config", hostConfig)
	return nil
}
