package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/risk-bridge/internal/calendar"
)

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Query the market-hours calendar",
	Long: `Answer market-hours questions with the same calendar the market
condition guard consults.

Examples:
  bridgectl calendar is-open EURUSD
  bridgectl calendar next-open XAUUSD --at 2024-06-08T12:00:00Z
  bridgectl calendar sessions US30`,
}

var calendarAt string

var calendarIsOpenCmd = &cobra.Command{
	Use:   "is-open SYMBOL",
	Short: "Report whether the symbol's market is open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cal, at, err := calendarInputs()
		if err != nil {
			return err
		}
		state := "closed"
		if cal.IsOpen(args[0], at) {
			state = "open"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", args[0], state, at.Format(time.RFC3339))
		return nil
	},
}

var calendarNextOpenCmd = &cobra.Command{
	Use:   "next-open SYMBOL",
	Short: "Print the next session open for the symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cal, at, err := calendarInputs()
		if err != nil {
			return err
		}
		next := cal.NextOpen(args[0], at)
		if next.IsZero() {
			return fmt.Errorf("no upcoming session for %s", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), next.UTC().Format(time.RFC3339))
		return nil
	},
}

var calendarSessionsCmd = &cobra.Command{
	Use:   "sessions SYMBOL",
	Short: "List the sessions a symbol trades in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cal, err := loadCalendar()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(cal.SessionsFor(args[0]), "\n"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(calendarCmd)
	calendarCmd.AddCommand(calendarIsOpenCmd, calendarNextOpenCmd, calendarSessionsCmd)
	calendarCmd.PersistentFlags().StringVar(&calendarAt, "at", "", "instant to evaluate (RFC3339, default now)")
}

func calendarInputs() (*calendar.Calendar, time.Time, error) {
	at := time.Now().UTC()
	if calendarAt != "" {
		t, err := time.Parse(time.RFC3339, calendarAt)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		at = t
	}
	cal, err := loadCalendar()
	if err != nil {
		return nil, time.Time{}, err
	}
	return cal, at, nil
}
