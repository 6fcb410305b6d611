package main

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/lecca-io/connectd/internal/logging"
)

// annotationStructuredLog marks long-running commands whose output is
// structured logs rather than text for a person.
const annotationStructuredLog = "connectd/structured-log"

var rootCmd = &cobra.Command{
	Use:           "connectd",
	Short:         "connectd stores tenant credentials for third-party connections and resolves them for executions.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		structured := commandUsesStructuredLogging(cmd)
		setCommandExecutionContext(commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: structured,
		})
		if !structured {
			return nil
		}
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: cmd.CommandPath()})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, definitionsCmd, credentialsCmd)
}

type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandExecutionMu  sync.Mutex
	commandExecutionCtx commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandExecutionMu.Lock()
	commandExecutionCtx = ctx
	commandExecutionMu.Unlock()
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandExecutionMu.Lock()
	defer commandExecutionMu.Unlock()
	return commandExecutionCtx
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[annotationStructuredLog]; ok {
			return true
		}
	}
	return false
}

func structuredLog() map[string]string {
	return map[string]string{annotationStructuredLog: "true"}
}
