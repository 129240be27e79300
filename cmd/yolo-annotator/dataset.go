package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/yolo-annotator/internal/utils"
	"github.com/menta2k/yolo-annotator/pkg/processing"
	"github.com/menta2k/yolo-annotator/pkg/types"
)

func newCreateCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "create SESSION",
		Short: "Register a session and create its directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			sess, err := engine.CreateOrGetSession(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning principal; empty leaves the session open")
	return cmd
}

func newSaveCmd() *cobra.Command {
	var name string
	var boxes []string

	cmd := &cobra.Command{
		Use:   "save SESSION IMAGE",
		Short: "Save an image with pixel-space boxes as a YOLO pair",
		Example: `  # One object of class 0 at x=10 y=10, 50x20 pixels
  yolo-annotator save demo cat.jpg --box 0,10,10,50,20`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			anns := make([]types.Annotation, 0, len(boxes))
			for _, raw := range boxes {
				a, err := parseBox(raw)
				if err != nil {
					return err
				}
				anns = append(anns, a)
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			width, height, err := processing.NewProcessor(cfg.OutputOptions()).DecodeSize(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}
			if name == "" {
				name = filepath.Base(args[1])
			}

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.SaveAnnotations(cmd.Context(), args[0], name, anns, data, width, height)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "base name (defaults to the image file name)")
	cmd.Flags().StringArrayVarP(&boxes, "box", "b", nil, "annotation as class,x,y,width,height in pixels (repeatable)")
	return cmd
}

// parseBox reads "class,x,y,width,height"
func parseBox(raw string) (types.Annotation, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 5 {
		return types.Annotation{}, fmt.Errorf("box %q: expected class,x,y,width,height", raw)
	}
	class, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return types.Annotation{}, fmt.Errorf("box %q: invalid class id", raw)
	}
	var v [4]float64
	for i, p := range parts[1:] {
		if v[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
			return types.Annotation{}, fmt.Errorf("box %q: invalid number %q", raw, p)
		}
	}
	return types.Annotation{ClassID: class, Box: types.Box{X: v[0], Y: v[1], Width: v[2], Height: v[3]}}, nil
}

func newAugmentCmd() *cobra.Command {
	var variants []string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "augment SESSION",
		Short: "Generate augmented variants for every original image",
		Example: `  # All variants
  yolo-annotator augment demo

  # Selected variants
  yolo-annotator augment demo --variants mirror,blur`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			session := args[0]
			out := cmd.ErrOrStderr()
			done := make(chan struct{})

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				last := ""
				for {
					select {
					case <-done:
						return nil
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					rec, ok, err := engine.GetProgress(session)
					if err != nil || !ok {
						continue
					}
					line := fmt.Sprintf("[%d/%d] %s", rec.Current, rec.Total, rec.Message)
					if line != last {
						fmt.Fprintln(out, line)
						last = line
					}
				}
			})

			res, runErr := engine.RunAugmentation(context.WithoutCancel(cmd.Context()), session, variants)
			close(done)
			g.Wait()
			if runErr != nil {
				return runErr
			}

			fmt.Fprintf(out, "Completed: %d variants created from %d images\n", res.Created, res.Originals)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVar(&variants, "variants", nil, "variant keys (defaults to augment.default_variants, or all)")
	cmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "progress polling interval")
	return cmd
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress SESSION",
		Short: "Show the latest augmentation progress of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			rec, ok, err := engine.GetProgress(args[0])
			if err != nil {
				return err
			}
			if !ok {
				rec = types.ProgressRecord{Completed: true, Message: "no job in progress"}
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newStatsCmd() *cobra.Command {
	var artifacts bool

	cmd := &cobra.Command{
		Use:   "stats SESSION",
		Short: "Count a session's images, originals, variants and labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if artifacts {
				art, err := engine.ListSessionArtifacts(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), art)
			}
			stats, err := engine.Stats(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&artifacts, "files", false, "list every image and label file")
	return cmd
}

func newVisualizeCmd() *cobra.Command {
	var overlay string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "visualize SESSION [IMAGE]",
		Short: "Decode stored labels back to pixel boxes",
		Example: `  # Page through a session
  yolo-annotator visualize demo --limit 10

  # Draw the boxes of one image
  yolo-annotator visualize demo cat_mirror.jpg --overlay out.png`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if len(args) == 1 {
				if overlay != "" {
					return fmt.Errorf("--overlay needs an IMAGE argument")
				}
				view, err := engine.VisualizeSession(args[0], limit, offset)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			}

			v, err := engine.Visualize(args[0], args[1])
			if err != nil {
				return err
			}
			if overlay != "" {
				img, err := engine.RenderOverlay(args[0], args[1])
				if err != nil {
					return err
				}
				if err := utils.EnsureDir(filepath.Dir(overlay)); err != nil {
					return err
				}
				if err := imaging.Save(img, overlay); err != nil {
					return fmt.Errorf("save overlay: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Overlay written to %s\n", overlay)
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVarP(&overlay, "overlay", "o", "", "write the image with boxes drawn to this file")
	cmd.Flags().IntVar(&limit, "limit", 50, "images per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "images to skip")
	return cmd
}

func newExportCmd() *cobra.Command {
	var zipPath, manifest string

	cmd := &cobra.Command{
		Use:   "export SESSION",
		Short: "Write the session as a zip, optionally with a parquet manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if zipPath == "" {
				zipPath = filepath.Join(cfg.Storage.TempDir, "dataset_"+args[0]+".zip")
			}
			res, err := engine.Export(cmd.Context(), args[0], zipPath, manifest)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Archive:  %s (%d files, %s)\n", res.ZipPath, res.Files, fileSize(res.ZipPath))
			if res.ManifestPath != "" {
				fmt.Fprintf(out, "Manifest: %s (%d rows, %s)\n", res.ManifestPath, res.Rows, fileSize(res.ManifestPath))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&zipPath, "out", "o", "", "zip path (defaults to temp_dir/dataset_SESSION.zip)")
	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "also write a parquet manifest to this path")
	return cmd
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "?"
	}
	return utils.FormatFileSize(info.Size())
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			sessions, err := engine.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions {
				owner := s.OwnerID
				if owner == "" {
					owner = "-"
				}
				fmt.Fprintf(out, "%-24s %-16s %s  %s\n", s.Name, owner, s.AccessHash, s.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION",
		Short: "Remove a session with its files, progress and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
			return nil
		},
	}
}

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List the available augmentation variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()
			for _, d := range engine.Variants() {
				labels := "labels unchanged"
				if d.LabelsAffected {
					labels = "labels rewritten"
				}
				fmt.Fprintf(out, "%-12s %s  %s (%s)\n", d.Key, d.Icon, d.Description, labels)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
