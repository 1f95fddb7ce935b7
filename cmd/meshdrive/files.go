package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/internal/vfs"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var name, contentType string

	cmd := &cobra.Command{
		Use:   "upload <file> [folder]",
		Short: "Upload a local file into a folder",
		Long: `Upload a local file into a folder. The folder defaults to the owner's
root and must already exist.

Examples:
  meshdrive upload ./report.pdf
  meshdrive upload ./a.png Photos/2024 --name cover.png`,
		Args: cobra.RangeArgs(1, 2),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			parent, err := folderArg(args, 1)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			st, err := f.Stat()
			if err != nil {
				return err
			}
			if st.IsDir() {
				return fmt.Errorf("%s is a directory", args[0])
			}
			if name == "" {
				name = filepath.Base(args[0])
			}

			entry, err := a.svc.Upload(cmd.Context(), vfs.UploadRequest{
				Owner:       owner,
				ParentPath:  parent,
				Name:        name,
				Content:     f,
				Size:        st.Size(),
				ContentType: contentType,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Uploaded %s (%s)\n", entry.Path(), humanize.IBytes(uint64(entry.Size)))
			_, _ = fmt.Fprintf(out, "  Key: %s\n", entry.Key)
			if entry.URL != "" {
				_, _ = fmt.Fprintf(out, "  URL: %s\n", entry.URL)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&name, "name", "", "name to store the file under (default: local file name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default: detected from content)")
	return cmd
}

func newLsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ls [folder]",
		Short: "List the direct children of a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			parent, err := folderArg(args, 0)
			if err != nil {
				return err
			}

			entries, err := a.svc.List(cmd.Context(), owner, parent)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if entries == nil {
					entries = []vfs.Entry{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(out, "Folder is empty.")
				return nil
			}
			printEntries(out, entries)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output entries as JSON")
	return cmd
}

func printEntries(out io.Writer, entries []vfs.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tMODIFIED\tKEY")
	for _, e := range entries {
		kind, size, name := e.ContentType, humanize.IBytes(uint64(e.Size)), e.Name
		if e.IsFolder {
			kind, size, name = "folder", "-", e.Name+"/"
		}
		modified := "-"
		if !e.LastModified.IsZero() {
			modified = e.LastModified.Local().Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, kind, size, modified, e.Key)
	}
	_ = w.Flush()
}

func newMkdirCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Long: `Create a folder. The parent must already exist; creating a folder
that already exists succeeds without changes.

Examples:
  meshdrive mkdir Photos
  meshdrive mkdir Photos/2024`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			p, err := keycodec.ParsePath(args[0])
			if err != nil {
				return err
			}
			if p.IsRoot() {
				return fmt.Errorf("folder path is required")
			}

			entry, err := a.svc.CreateFolder(cmd.Context(), owner, p[:len(p)-1], p[len(p)-1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created %s/\n", entry.Path())
			return nil
		}),
	}
}

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a file, or a folder and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			if err := a.svc.DeleteEntry(cmd.Context(), owner, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		}),
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var output string
	var byToken bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Download a file",
		Long: `Download a file by key, or by share token with --token. Content goes
to stdout unless --output is given.

Examples:
  meshdrive get alice/Photos/123-a.png -o a.png
  meshdrive get --token <token> > a.png`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			var (
				rc    io.ReadCloser
				entry vfs.Entry
				err   error
			)
			if byToken {
				rc, entry, err = a.svc.OpenShared(cmd.Context(), args[0])
			} else {
				owner, oerr := a.requireOwner()
				if oerr != nil {
					return oerr
				}
				rc, entry, err = a.svc.Open(cmd.Context(), owner, args[0])
			}
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()

			if output == "" {
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			}
			if output == "." {
				output = entry.Name
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := io.Copy(f, rc)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s (%s)\n", output, humanize.IBytes(uint64(n)))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", `output file ("." uses the stored name)`)
	cmd.Flags().BoolVar(&byToken, "token", false, "treat the argument as a share token")
	return cmd
}

// folderArg parses args[i] as a folder path, defaulting to the root.
func folderArg(args []string, i int) (keycodec.Path, error) {
	if len(args) <= i {
		return keycodec.Root, nil
	}
	return keycodec.ParsePath(args[i])
}
