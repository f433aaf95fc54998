package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/domain"
	"leadline/internal/lifecycle"
	"leadline/internal/workflow"
	leadlinesdk "leadline/sdk/go"
)

func leadsCmd() *cobra.Command {
	c := &cobra.Command{Use: "leads", Short: "Work the leads offered to you (talks to the API)"}
	c.AddCommand(leadsListCmd())
	c.AddCommand(leadsShowCmd())
	c.AddCommand(leadsAcceptCmd())
	c.AddCommand(leadsDeclineCmd())
	return c
}

func apiClient() *leadlinesdk.Client {
	client := leadlinesdk.New(viper.GetString("api-url"))
	client.APIKey = viper.GetString("api-key")
	client.BearerToken = viper.GetString("token")
	return client
}

func leadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			leads, err := apiClient().MyLeads(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(leads)
			}
			renderLeads(leads, time.Now())
			return nil
		},
	}
}

func leadsShowCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one lead with its countdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := apiClient()
			view, err := workflow.Open(ctx, client, args[0], workflow.Options{})
			if err != nil {
				if view != nil && view.Snapshot().RedirectToList {
					fmt.Fprintf(os.Stderr, "lead %s is not in your leads\n", args[0])
					leads, listErr := client.MyLeads(ctx)
					if listErr != nil {
						return listErr
					}
					renderLeads(leads, time.Now())
					return nil
				}
				return err
			}
			snap := view.Snapshot()
			if viper.GetBool("json") {
				return printJSON(snap.Lead)
			}
			renderSnapshot(snap)
			if watch {
				defer view.Close()
				return watchCountdown(ctx, view)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep the countdown running until the lead expires")
	return cmd
}

func watchCountdown(ctx context.Context, view *workflow.View) error {
	ticker := view.StartCountdown(ctx, lifecycle.TickerOptions{
		OnTick: func(c lifecycle.Countdown) {
			fmt.Printf("\r%-32s", c.String())
		},
	})
	if ticker == nil {
		return nil
	}
	defer ticker.Stop()
	select {
	case <-ctx.Done():
	case <-ticker.Done():
	}
	fmt.Println()
	return nil
}

func leadsAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a pending lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return respond(cmd.Context(), args[0], func(ctx context.Context, v *workflow.View) error {
				return v.Accept(ctx)
			})
		},
	}
}

func leadsDeclineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline a pending lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return respond(cmd.Context(), args[0], func(ctx context.Context, v *workflow.View) error {
				return v.Decline(ctx, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason shown to the operator")
	return cmd
}

func respond(ctx context.Context, id string, act func(context.Context, *workflow.View) error) error {
	view, err := workflow.Open(ctx, apiClient(), id, workflow.Options{})
	if err != nil {
		return err
	}
	err = act(ctx, view)
	snap := view.Snapshot()
	switch {
	case errors.Is(err, workflow.ErrStale):
		fmt.Fprintln(os.Stderr, "this lead was already handled; showing its current state")
	case errors.Is(err, workflow.ErrTransient):
		fmt.Fprintln(os.Stderr, "request failed and the lead is still pending; try again")
		return err
	case err != nil:
		return err
	}
	if viper.GetBool("json") {
		return printJSON(snap.Lead)
	}
	renderSnapshot(snap)
	return nil
}

func renderSnapshot(s workflow.Snapshot) {
	if s.Lead == nil {
		return
	}
	l := s.Lead
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Lead", l.ID})
	tw.AppendRow(table.Row{"Service", l.Intake.ServiceName})
	tw.AppendRow(table.Row{"Applicant", fmt.Sprintf("%s <%s>", l.Intake.ApplicantName, l.Intake.ApplicantEmail)})
	if l.Intake.ApplicantPhone != nil {
		tw.AppendRow(table.Row{"Phone", *l.Intake.ApplicantPhone})
	}
	tw.AppendRow(table.Row{"Route", l.Intake.ApplicantCountry + " -> " + l.Intake.DestinationCountry})
	tw.AppendRow(table.Row{"Urgency", l.Intake.UrgencyLevel})
	if l.Intake.Description != "" {
		tw.AppendRow(table.Row{"Description", l.Intake.Description})
	}
	tw.AppendRow(table.Row{"Attempt", l.AttemptNumber})
	tw.AppendRow(table.Row{"State", s.State})
	switch s.State {
	case lifecycle.PendingActive, lifecycle.PendingExpired:
		tw.AppendRow(table.Row{"Countdown", s.Countdown.String()})
	case lifecycle.Accepted:
		tw.AppendRow(table.Row{"Case", s.CaseLink})
	case lifecycle.Declined:
		if s.DeclinedReason != "" {
			tw.AppendRow(table.Row{"Reason", s.DeclinedReason})
		}
	}
	tw.Render()
}

func renderLeads(leads []domain.Assignment, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Service", "Applicant", "Professional", "State", "Expires", "Offered"})
	for _, l := range leads {
		state := lifecycle.Effective(l, now)
		expires := humanize.Time(l.ExpiresAt)
		if state == lifecycle.PendingActive {
			expires = lifecycle.CountdownAt(l.ExpiresAt, now).String()
		}
		tw.AppendRow(table.Row{l.ID, l.Intake.ServiceName, l.Intake.ApplicantName, l.ProfessionalID, state, expires, humanize.Time(l.CreatedAt)})
	}
	tw.Render()
}
