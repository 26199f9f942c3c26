package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"equinecore/internal/core"
	"equinecore/pkg/domain"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// readJSON decodes a request file. "-" reads from the command's stdin.
func readJSON(cmd *cobra.Command, path string, v any) error {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// evaluation pairs a result with the subject after its delta, when requested.
type evaluation struct {
	Result  any             `json:"result"`
	Subject *domain.Subject `json:"subject,omitempty"`
}

func newWindowsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "windows [subject.json]",
		Short: "Report developmental window status for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subject domain.Subject
			if err := readJSON(cmd, args[0], &subject); err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			report, err := svc.Windows(ctx, subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd, report)
		},
	}
}

func newMatrixCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "matrix [subject.json]",
		Short: "Build the interaction matrix of a subject's expressed traits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subject domain.Subject
			if err := readJSON(cmd, args[0], &subject); err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			matrix, err := svc.Matrix(subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd, matrix)
		},
	}
}

type careInput struct {
	SubjectID string `json:"subject_id"`
	core.CareRecords
}

func newCareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "care [records.json]",
		Short: "Aggregate raw caregiver interactions and assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in careInput
			if err := readJSON(cmd, args[0], &in); err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd, svc.CareAggregate(in.SubjectID, in.CareRecords))
		},
	}
}

func newDiscoverCmd(a *app) *cobra.Command {
	var batch, apply bool
	cmd := &cobra.Command{
		Use:   "discover [request.json]",
		Short: "Evaluate hidden-trait discovery",
		Long: `Evaluates discovery for one subject, or for an array of requests with --batch.
Revealed traits are appended to the trait history. The subject file is not
modified; pass --apply to print the subject with the delta applied.

Example:
  equinecore discover foal.json --apply
  equinecore discover herd.json --batch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			if batch {
				var reqs []core.DiscoverRequest
				if err := readJSON(cmd, args[0], &reqs); err != nil {
					return err
				}
				results, err := svc.EvaluateBatch(ctx, reqs)
				failed := 0
				for _, r := range results {
					if r.Err != nil {
						failed++
					}
				}
				a.logger.Info("batch evaluated", zap.Int("subjects", len(reqs)), zap.Int("failed", failed))
				if werr := writeJSON(cmd, results); werr != nil {
					return werr
				}
				return err
			}
			var req core.DiscoverRequest
			if err := readJSON(cmd, args[0], &req); err != nil {
				return err
			}
			res, err := svc.Discover(ctx, req)
			if err != nil {
				return err
			}
			out := evaluation{Result: res}
			if apply {
				subject := req.Subject.Apply(res.Delta)
				out.Subject = &subject
			}
			return writeJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "Input is an array of requests")
	cmd.Flags().BoolVar(&apply, "apply", false, "Include the subject with the delta applied")
	return cmd
}

func newMilestoneCmd(a *app) *cobra.Command {
	var apply, force, show bool
	var milestone string
	cmd := &cobra.Command{
		Use:   "milestone [request.json]",
		Short: "Evaluate a developmental milestone",
		Long: `Evaluates an age-gated milestone once per subject. Repeated calls return
the stored outcome unless --force is given.

Example:
  equinecore milestone imprinting.json
  equinecore milestone foal.json --milestone imprinting --force
  equinecore milestone foal.json --milestone imprinting --show`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req core.MilestoneRequest
			if err := readJSON(cmd, args[0], &req); err != nil {
				return err
			}
			if milestone != "" {
				req.Milestone = milestone
			}
			req.Force = req.Force || force
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			if show {
				outcome, err := svc.MilestoneOutcome(ctx, req.Subject.ID, req.Milestone)
				if err != nil {
					return err
				}
				return writeJSON(cmd, outcome)
			}
			res, err := svc.Milestone(ctx, req)
			if err != nil {
				return err
			}
			out := evaluation{Result: res}
			if apply {
				subject := req.Subject.Apply(res.Delta)
				out.Subject = &subject
			}
			return writeJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&milestone, "milestone", "", "Milestone name (overrides the request file)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-evaluate even if an outcome is stored")
	cmd.Flags().BoolVar(&show, "show", false, "Print the stored outcome without evaluating")
	cmd.Flags().BoolVar(&apply, "apply", false, "Include the subject with the delta applied")
	return cmd
}
