package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect or fill the media bundle.",
	}
	cmd.AddCommand(newArchiveCommitCmd())
	cmd.AddCommand(newArchiveListCmd())
	return cmd
}

func openConfiguredArchive(a *app) (*archive.Archive, error) {
	if !a.cfg.Archive.Enabled {
		return nil, errors.New("archive is disabled (archive.enabled=false)")
	}
	return archive.Open(a.cfg.Archive.Path, a.logger)
}

func newArchiveCommitCmd() *cobra.Command {
	var tag, gallery string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Pack galleries already downloaded under download.root into the bundle.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if tag == "" {
				return errors.New("--tag is required")
			}
			arc, err := openConfiguredArchive(a)
			if err != nil {
				return err
			}
			defer arc.Close()

			galleries := []string{gallery}
			if gallery == "" {
				if galleries, err = listDirs(filepath.Join(a.cfg.Download.Root, tag)); err != nil {
					return err
				}
			}
			total := 0
			for _, name := range galleries {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				added, err := arc.CommitFromDisk(name, filepath.Join(a.cfg.Download.Root, tag, name))
				total += added
				if err != nil {
					return fmt.Errorf("commit %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d added\n", name, added)
			}
			a.logger.Info("archive commit finished",
				zap.String("tag", tag),
				zap.Int("galleries", len(galleries)),
				zap.Int("added", total),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "tag folder under download.root")
	cmd.Flags().StringVar(&gallery, "gallery", "", "single gallery to commit (default: every gallery under the tag)")
	return cmd
}

func newArchiveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [gallery]",
		Short: "List archived galleries, or the files of one gallery.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			arc, err := openConfiguredArchive(a)
			if err != nil {
				return err
			}
			defer arc.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range arc.Galleries() {
					fmt.Fprintf(out, "%s\t%d\n", name, len(arc.Files(name)))
				}
				return nil
			}
			files := arc.Files(args[0])
			if files == nil {
				return fmt.Errorf("gallery %q: %w", args[0], archive.ErrNotFound)
			}
			names := make([]string, 0, len(files))
			for name := range files {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				e := files[name]
				fmt.Fprintf(out, "%s\t%s\t%d\n", name, e.Type, e.Size)
			}
			return nil
		},
	}
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
