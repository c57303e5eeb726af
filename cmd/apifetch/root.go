package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/apifetch/pkg/config"
	"github.com/Sternrassler/apifetch/pkg/logging"
)

type rootOptions struct {
	cfgFile string
	debug   bool
	pretty  bool
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "apifetch",
		Short:         "Run declaratively configured API endpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "apifetch.yaml", "config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "use debug level logging")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "use console logging instead of JSON")

	cmd.AddCommand(
		newEndpointsCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// load reads the config file and sets up logging from it and the flags.
func (o *rootOptions) load(cmd *cobra.Command) (*config.File, error) {
	f, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, err
	}

	lc := logging.Config{
		Level:  logging.LogLevel(f.Log.Level),
		Pretty: f.Log.Pretty || o.pretty,
		Output: cmd.ErrOrStderr(),
	}
	if o.debug {
		lc.Level = logging.LevelDebug
	}
	logging.Setup(lc)
	return f, nil
}

func newEndpointsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the configured endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := opts.load(cmd)
			if err != nil {
				return err
			}
			for _, ep := range f.Endpoints {
				method := strings.ToUpper(ep.Method)
				if method == "" {
					method = "GET"
					if ep.Codec == "soap" {
						method = "POST"
					}
				}
				target := ep.Path
				if ep.URL != nil {
					target = ep.URL.Template
					if target == "" {
						target = "{" + ep.URL.Field + "}"
					}
				}
				pagination := "none"
				if ep.Paginate != nil {
					pagination = ep.Paginate.Type
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s %s\tpagination=%s\n", ep.Name, method, target, pagination)
			}
			return nil
		},
	}
}
