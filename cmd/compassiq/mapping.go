package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clasak/compassiq/pkg/fieldmapping"
)

func newMappingCommand() *cobra.Command {
	mapping := &cobra.Command{
		Use:   "mapping",
		Short: "Work with field mapping documents",
	}

	var emit bool
	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a field mapping document (.json, .yaml or .yml)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			doc, data, err := parseMappingFile(args[0], raw)
			if err != nil {
				return err
			}

			if emit {
				var out bytes.Buffer
				if err := json.Indent(&out, data, "", "  "); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), out.String())
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: valid, %d metric rules\n", args[0], len(doc.Metrics))
			return err
		},
	}
	validate.Flags().BoolVar(&emit, "emit-json", false, "print the stored JSON form of the document")

	mapping.AddCommand(validate)
	return mapping
}

func parseMappingFile(path string, raw []byte) (fieldmapping.Document, []byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return fieldmapping.ParseYAML(raw)
	default:
		doc, err := fieldmapping.Parse(raw)
		return doc, raw, err
	}
}
