package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"styleai/pkg/catalog"
	"styleai/pkg/domain"
	"styleai/services/stylesync/internal/app"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage catalog documents and assets",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the documents of a category",
	RunE:  runCatalogList,
}

var catalogPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Upload an asset and save its catalog document",
	Long: `Upload the image of a catalog entry and save the document pointing at it.

Gendered entries need one image per gender (--male and --female); both are
stored under the same file name in their gender folder.`,
	RunE: runCatalogPut,
}

var catalogRmCmd = &cobra.Command{
	Use:   "rm <document-id>",
	Short: "Delete a catalog document",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogRm,
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Resolve every category into the local cache now",
	RunE:  runCatalogSync,
}

type catalogOptions struct {
	category string
	value    string
	id       string
	name     string
	file     string
	male     string
	female   string
	position int
}

var catalogFlags catalogOptions

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogListCmd, catalogPutCmd, catalogRmCmd, catalogSyncCmd)

	for _, c := range []*cobra.Command{catalogListCmd, catalogPutCmd, catalogRmCmd} {
		c.Flags().StringVar(&catalogFlags.category, "category", "", "style, car or professional")
		_ = c.MarkFlagRequired("category")
	}
	catalogPutCmd.Flags().StringVar(&catalogFlags.value, "value", "", "display value of the entry")
	catalogPutCmd.Flags().StringVar(&catalogFlags.id, "id", "", "document id to overwrite")
	catalogPutCmd.Flags().StringVar(&catalogFlags.name, "name", "", "remote file name (default: base name of the image)")
	catalogPutCmd.Flags().StringVar(&catalogFlags.file, "file", "", "image of a non-gendered entry")
	catalogPutCmd.Flags().StringVar(&catalogFlags.male, "male", "", "male image of a gendered entry")
	catalogPutCmd.Flags().StringVar(&catalogFlags.female, "female", "", "female image of a gendered entry")
	catalogPutCmd.Flags().IntVar(&catalogFlags.position, "position", 0, "sort position within the category")
	_ = catalogPutCmd.MarkFlagRequired("value")
}

func parseCategoryFlag() (domain.Category, error) {
	c, ok := domain.ParseCategory(catalogFlags.category)
	if !ok {
		return "", fmt.Errorf("unknown category %q", catalogFlags.category)
	}
	return c, nil
}

func runCatalogList(cmd *cobra.Command, _ []string) error {
	category, err := parseCategoryFlag()
	if err != nil {
		return err
	}
	return withApp(func(a *app.App) error {
		docs, err := a.Documents(cmd.Context(), category)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		printf(tw, "ID\tPOSITION\tVALUE\tFILE\tGENDERED\n")
		for _, d := range docs {
			printf(tw, "%s\t%d\t%s\t%s\t%t\n", d.ID, d.Position, d.Value, d.FileName, d.Gendered)
		}
		return tw.Flush()
	})
}

func runCatalogPut(cmd *cobra.Command, _ []string) error {
	category, err := parseCategoryFlag()
	if err != nil {
		return err
	}
	uploads := map[domain.Gender]string{}
	gendered := catalogFlags.male != "" || catalogFlags.female != ""
	switch {
	case gendered && catalogFlags.file != "":
		return errors.New("use either --file or --male/--female")
	case gendered && (catalogFlags.male == "" || catalogFlags.female == ""):
		return errors.New("gendered entries need both --male and --female")
	case gendered:
		uploads[domain.GenderMale] = catalogFlags.male
		uploads[domain.GenderFemale] = catalogFlags.female
	case catalogFlags.file != "":
		uploads[""] = catalogFlags.file
	default:
		return errors.New("an image is required (--file, or --male and --female)")
	}
	name := strings.TrimSpace(catalogFlags.name)
	if name == "" {
		name = filepath.Base(catalogFlags.file)
		if gendered {
			name = filepath.Base(catalogFlags.male)
		}
	}

	return withApp(func(a *app.App) error {
		ctx := cmd.Context()
		for gender, path := range uploads {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			info, err := f.Stat()
			if err != nil {
				_ = f.Close()
				return err
			}
			key, err := a.PutAsset(ctx, category, gender, name, f, info.Size())
			_ = f.Close()
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "uploaded %s\n", key)
		}
		doc, err := a.SaveDocument(ctx, domain.CatalogDocument{
			ID:       catalogFlags.id,
			Category: category,
			FileName: name,
			Value:    catalogFlags.value,
			Gendered: gendered,
			Position: catalogFlags.position,
		})
		if err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "saved %s %s\n", doc.Category, doc.ID)
		return nil
	})
}

func runCatalogRm(cmd *cobra.Command, args []string) error {
	category, err := parseCategoryFlag()
	if err != nil {
		return err
	}
	return withApp(func(a *app.App) error {
		if err := a.DeleteDocument(cmd.Context(), category, args[0]); err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "deleted %s %s\n", category, args[0])
		return nil
	})
}

func runCatalogSync(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app.App) error {
		res, err := a.SyncCatalog(cmd.Context())
		for _, c := range domain.Categories() {
			if n, ok := res.Items[c]; ok {
				printf(cmd.OutOrStdout(), "%s: %d items\n", c, n)
			}
		}
		for _, c := range res.Failed {
			printf(cmd.OutOrStdout(), "%s: kept previous items\n", c)
		}
		if errors.Is(err, catalog.ErrPartialSync) {
			return fmt.Errorf("sync incomplete: %w", err)
		}
		return err
	})
}
