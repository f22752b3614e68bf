package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/glassroll/internal/core"
)

func loadCommand() *cobra.Command {
	var (
		dirs   []string
		kinds  []string
		rescan bool
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "load [gallery]",
		Short: "Rebuild the gallery index",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(context.Background(), max(wait, app.timeout))
			defer cancel()

			var spinner *pterm.SpinnerPrinter
			if !app.quiet && !app.json {
				spinner, _ = pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("loading gallery")
			}
			result, err := app.service.Load(ctx, selectorArg(args), dirs, kinds, rescan)
			if spinner != nil {
				_ = spinner.Stop()
			}
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "directory to load (repeatable)")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "media kind to load: image|video (repeatable)")
	cmd.Flags().BoolVar(&rescan, "rescan", false, "rescan storage before loading")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the load to finish")
	return cmd
}

func nextCommand() *cobra.Command {
	return positionCommand("next [gallery]", "Advance to the next item", core.Service.Next)
}

func currentCommand() *cobra.Command {
	return positionCommand("current [gallery]", "Show the current item", core.Service.Current)
}

func positionCommand(use string, short string, call func(core.Service, context.Context, string) (core.PositionResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(context.Background(), app.timeout)
			defer cancel()

			result, err := call(app.service, ctx, selectorArg(args))
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}

func listCommand() *cobra.Command {
	var start, count int64

	cmd := &cobra.Command{
		Use:   "list [gallery]",
		Short: "List a page of the gallery index",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if start < 0 || count < 0 {
				return &core.CLIError{Code: core.ExitUsage, Msg: "start and count must be non-negative"}
			}
			app := fromContext(cmd)
			ctx, cancel := withTimeout(context.Background(), app.timeout)
			defer cancel()

			result, err := app.service.List(ctx, selectorArg(args), start, count)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
	cmd.Flags().Int64Var(&start, "start", 0, "zero-based start index")
	cmd.Flags().Int64Var(&count, "count", 20, "page size")
	return cmd
}

func deleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete [gallery]",
		Short: "Delete the current item from storage",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			selector := selectorArg(args)
			if !yes {
				ctx, cancel := withTimeout(context.Background(), app.timeout)
				current, err := app.service.Current(ctx, selector)
				cancel()
				if err != nil {
					return err
				}
				if current.Position.Empty() {
					return &core.CLIError{Code: core.ExitNotFound, Msg: "nothing selected"}
				}
				ok, err := pterm.DefaultInteractiveConfirm.
					WithDefaultText("Delete " + current.Position.DisplayName + "?").
					Show()
				if err != nil {
					return err
				}
				if !ok {
					pterm.Info.Println("aborted")
					return nil
				}
			}

			ctx, cancel := withTimeout(context.Background(), app.timeout)
			defer cancel()
			result, err := app.service.Delete(ctx, selector)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
