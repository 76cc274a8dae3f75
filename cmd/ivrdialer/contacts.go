package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sprucehealth/ivrdialer/contacts"
	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/model"
)

func contactsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "contacts <file>",
		Short: "Preview a contact list with normalized phone numbers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := contacts.Load(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(previewRows(list))
			}
			renderContacts(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

type previewRow struct {
	Index  int               `json:"index"`
	Phone  string            `json:"phone"`
	Valid  bool              `json:"valid"`
	Fields map[string]string `json:"fields"`
}

func previewRows(list []model.Contact) []previewRow {
	rows := make([]previewRow, len(list))
	for i, c := range list {
		phone := engine.ContactPhone(c)
		rows[i] = previewRow{Index: i + 1, Phone: phone, Valid: phone != "", Fields: c.Fields}
	}
	return rows
}

func renderContacts(w io.Writer, list []model.Contact) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Phone", "Fields"})
	skipped := 0
	for _, row := range previewRows(list) {
		phone := row.Phone
		if !row.Valid {
			phone = "(skipped)"
			skipped++
		}
		tw.AppendRow(table.Row{row.Index, phone, formatFields(row.Fields)})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d callable", len(list)-skipped), fmt.Sprintf("%d skipped", skipped)})
	tw.Render()
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + fields[k]
	}
	return strings.Join(parts, ", ")
}
