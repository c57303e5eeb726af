package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := opts.load(cmd)
			if err != nil {
				return err
			}

			resolved := *f
			a := &resolved.Auth
			for _, s := range []*string{&a.Token, &a.Password, &a.ClientSecret, &a.RefreshToken} {
				if *s != "" {
					*s = redacted
				}
			}
			if resolved.Redis.Password != "" {
				resolved.Redis.Password = redacted
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&resolved); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
