package cmd

import (
	"errors"
	"fmt"

	"github.com/killallgit/kortix/pkg/api"
	"github.com/spf13/cobra"
)

var billingCmd = &cobra.Command{
	Use:   "billing",
	Short: "Manage the account's subscription",
}

var billingCheckoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Start a checkout for a plan and print the redirect URL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		priceID, _ := cmd.Flags().GetString("price")
		successURL, _ := cmd.Flags().GetString("success-url")
		cancelURL, _ := cmd.Flags().GetString("cancel-url")
		if priceID == "" {
			return errors.New("--price is required")
		}

		a := newApp(cmd)
		resp, err := a.client.CreateCheckoutSession(cmd.Context(), api.CheckoutRequest{
			PriceID:    priceID,
			SuccessURL: successURL,
			CancelURL:  cancelURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create checkout session: %w", err)
		}

		// plan changes on an existing subscription complete without a redirect
		if resp.URL == "" {
			fmt.Fprintln(a.out, firstNonEmpty(resp.Message, resp.Status, "Subscription updated"))
			return nil
		}
		fmt.Fprintf(a.out, "Complete checkout at: %s\n", resp.URL)
		return nil
	},
}

var billingPortalCmd = &cobra.Command{
	Use:   "portal",
	Short: "Print the billing portal URL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		returnURL, _ := cmd.Flags().GetString("return-url")
		a := newApp(cmd)
		resp, err := a.client.CreatePortalSession(cmd.Context(), returnURL)
		if err != nil {
			return fmt.Errorf("failed to create portal session: %w", err)
		}
		fmt.Fprintf(a.out, "Manage billing at: %s\n", resp.URL)
		return nil
	},
}

var billingCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the subscription at the end of the period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(cmd)
		resp, err := a.client.CancelSubscription(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
		return printAction(a, resp, "Subscription cancelled")
	},
}

var billingReactivateCmd = &cobra.Command{
	Use:   "reactivate",
	Short: "Undo a scheduled cancellation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(cmd)
		resp, err := a.client.ReactivateSubscription(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reactivate subscription: %w", err)
		}
		return printAction(a, resp, "Subscription reactivated")
	},
}

var billingStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current subscription",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFlag(cmd)
		if err != nil {
			return err
		}
		a := newApp(cmd)
		sub, err := a.client.GetSubscription(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		if format != outputText {
			return writeStructured(a.out, format, sub)
		}

		fmt.Fprintf(a.out, "Plan:   %s\n", firstNonEmpty(sub.PlanName, "free"))
		fmt.Fprintf(a.out, "Status: %s\n", firstNonEmpty(sub.Status, "none"))
		if sub.CurrentPeriodEnd != nil {
			verb := "Renews"
			if sub.CancelAtPeriodEnd {
				verb = "Ends"
			}
			fmt.Fprintf(a.out, "%s:   %s\n", verb, sub.CurrentPeriodEnd.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	billingCheckoutCmd.Flags().String("price", "", "price id of the plan")
	billingCheckoutCmd.Flags().String("success-url", "", "URL to return to after payment")
	billingCheckoutCmd.Flags().String("cancel-url", "", "URL to return to when checkout is abandoned")
	billingPortalCmd.Flags().String("return-url", "", "URL to return to from the portal")
	billingStatusCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")

	billingCmd.AddCommand(billingCheckoutCmd, billingPortalCmd, billingCancelCmd, billingReactivateCmd, billingStatusCmd)
}

func printAction(a *app, resp api.SubscriptionActionResponse, fallback string) error {
	if !resp.Success {
		return fmt.Errorf("request was not applied: %s", firstNonEmpty(resp.Message, "unknown reason"))
	}
	fmt.Fprintln(a.out, firstNonEmpty(resp.Message, fallback))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
