package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/orchestrate"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			siteKey, _ := cmd.Flags().GetString("site")
			if code := doValidate(configPathFlag(cmd), siteKey, cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringP("site", "s", "", "Site key to validate (validates all sites if empty)")
	return cmd
}

// NewListSitesCmd creates the list-sites command.
func NewListSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-sites",
		Short: "List the site keys defined in the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if code := doListSites(configPathFlag(cmd), cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, siteKey string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	if siteKey != "" {
		siteCfg, ok := appCfg.Sites[siteKey]
		if !ok {
			fmt.Fprintf(stderr, "Error: site '%s' not found in config\n", siteKey)
			return 1
		}
		siteWarnings, err := siteCfg.Validate()
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", siteKey, err)
			return 1
		}
		for _, w := range siteWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", siteKey, w)
		}
		fmt.Fprintf(stdout, "OK: Site '%s' configuration is valid\n", siteKey)
	} else {
		hasError := false
		for _, key := range orchestrate.GetAllSiteKeys(appCfg) {
			siteCfg := appCfg.Sites[key]
			siteWarnings, err := siteCfg.Validate()
			if err != nil {
				fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
				hasError = true
				continue
			}
			for _, w := range siteWarnings {
				fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
			}
			fmt.Fprintf(stdout, "OK: [%s]\n", key)
		}
		if hasError {
			return 1
		}
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// doListSites lists sites and writes output to provided writers.
func doListSites(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Sites in %s:\n\n", configPath)
	for _, key := range orchestrate.GetAllSiteKeys(appCfg) {
		site := appCfg.Sites[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		fmt.Fprintf(stdout, "    Start URLs: %d\n", len(site.StartURLs))
		if len(site.AllowedDomains) > 0 {
			fmt.Fprintf(stdout, "    Domains: %v\n", site.AllowedDomains)
		}
		if site.MaxDepth != nil {
			fmt.Fprintf(stdout, "    Max Depth: %d\n", *site.MaxDepth)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}
