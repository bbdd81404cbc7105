package main

import (
	"os"

	"github.com/spf13/cobra"

	"alma/backend/internal/app"
)

// @title           Alma API
// @version         1.0
// @description     Conversation history, idempotent message submission and provider fallback for the Alma assistant.
// @BasePath        /api
// @securityDefinitions.apikey ClientID
// @in header
// @name X-Client-Id
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	code := 0
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			*code = app.Run()
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured backend and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			*code = app.Migrate()
		},
	}

	root := &cobra.Command{
		Use:          "alma",
		Short:        "Alma conversation backend",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		// Running without a subcommand serves.
		Run: serve.Run,
	}
	root.AddCommand(serve, migrate)
	return root
}
