package main

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const timestampLayout = "2006-01-02 15:04:05Z07:00"

func renderAccounts(accounts []pool.Account) string {
	tw := table.Table{}
	tw.AppendHeader(table.Row{"Account ID", "Status", "Reservation", "Updated"})
	for _, account := range accounts {
		reservation := "-"
		if account.HasReservation() {
			reservation = account.ReservationID.String()
		}
		tw.AppendRow(table.Row{account.ID.String(), colorStatus(account.Status), reservation, account.UpdatedAt.UTC().Format(timestampLayout)})
	}
	tw.AppendFooter(table.Row{"", "", "Total", len(accounts)})
	tw.SetStyle(table.StyleRounded)
	return tw.Render()
}

func colorStatus(status pool.AccountStatus) string {
	switch status {
	case pool.AccountStatusReady:
		return text.FgGreen.Sprint(status.String())
	case pool.AccountStatusReserved:
		return text.FgBlue.Sprint(status.String())
	case pool.AccountStatusInCleaning:
		return text.FgYellow.Sprint(status.String())
	default:
		return text.FgRed.Sprint(status.String())
	}
}

func renderCleanerOrder(registry *cleanup.Registry) string {
	tw := table.Table{}
	tw.AppendHeader(table.Row{"#", "Resource", "Depends on"})
	for index, resourceType := range registry.Order() {
		dependencies := strings.Join(registry.Dependencies(resourceType), ", ")
		if dependencies == "" {
			dependencies = "-"
		}
		tw.AppendRow(table.Row{index + 1, resourceType, dependencies})
	}
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignRight}})
	return tw.Render()
}
