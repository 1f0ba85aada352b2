package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/atomix"
	"pkt.systems/pslog"
)

func newPrimitivesCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "primitives",
		Short: "build or list primitives through the Primitive Service",
	}
	cmd.AddCommand(newPrimitivesBuildCommand(baseLogger))
	cmd.AddCommand(newPrimitivesListCommand(baseLogger))
	return cmd
}

func withOpenRuntime(cmd *cobra.Command, baseLogger pslog.Logger, subsystem string, fn func(ctx context.Context, a *atomix.Atomix) error) error {
	logger := loggerForCommand(baseLogger, subsystem)
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	a, err := atomix.New(cfg, atomix.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.Open(ctx); err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func newPrimitivesBuildCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build NAME",
		Short: "build (or fetch) a primitive by name, printing the partition it routed to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			primitiveType, err := cmd.Flags().GetString("type")
			if err != nil {
				return err
			}
			return withOpenRuntime(cmd, baseLogger, "cli.primitives.build", func(ctx context.Context, a *atomix.Atomix) error {
				prim, err := a.BuildPrimitive(ctx, args[0], primitiveType)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "built %s primitive %q\n", prim.Type, prim.Name)
				return nil
			})
		},
	}
	cmd.Flags().String("type", "", "primitive type (must match Config.PrimitiveTypes when that allow-list is non-empty)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newPrimitivesListCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list live primitives of a type, fanned out across every partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			primitiveType, err := cmd.Flags().GetString("type")
			if err != nil {
				return err
			}
			return withOpenRuntime(cmd, baseLogger, "cli.primitives.list", func(ctx context.Context, a *atomix.Atomix) error {
				names, err := a.Primitives().List(ctx, primitiveType)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("type", "", "primitive type to list")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
