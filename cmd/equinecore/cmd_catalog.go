package main

import (
	"fmt"
	"os"
	"sort"

	"equinecore/internal/catalog"
	"equinecore/pkg/domain"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and publish trait catalogs",
	}
	cmd.AddCommand(newCatalogListCmd(a), newCatalogShowCmd(a), newCatalogPublishCmd(a), newCatalogSourcesCmd(a))
	return cmd
}

func newCatalogListCmd(a *app) *cobra.Command {
	var tier, polarity string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trait definitions",
		Long: `Lists the trait definitions of the active catalog, optionally filtered.

Example:
  equinecore catalog list --tier rare
  equinecore catalog list --polarity negative`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			cat, err := a.catalog(ctx)
			if err != nil {
				return err
			}
			t, p := domain.Tier(tier), domain.Polarity(polarity)
			if tier != "" && t.Rank() < 0 {
				return fmt.Errorf("unknown tier %q", tier)
			}
			if polarity != "" && !p.Valid() {
				return fmt.Errorf("unknown polarity %q", polarity)
			}
			var defs []domain.TraitDefinition
			switch {
			case tier != "":
				for _, d := range cat.FilterByTier(t) {
					if polarity == "" || d.Polarity == p {
						defs = append(defs, d)
					}
				}
			case polarity != "":
				defs = cat.FilterByPolarity(p)
			default:
				defs = cat.All()
			}
			if defs == nil {
				defs = []domain.TraitDefinition{}
			}
			return writeJSON(cmd, defs)
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "Only traits of this tier")
	cmd.Flags().StringVar(&polarity, "polarity", "", "Only traits of this polarity")
	return cmd
}

type traitView struct {
	Trait         domain.TraitDefinition `json:"trait"`
	Windows       []string               `json:"windows"`
	Relationships []domain.Relationship  `json:"relationships"`
}

func newCatalogShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [trait]",
		Short: "Show one trait with its windows and relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			cat, err := a.catalog(ctx)
			if err != nil {
				return err
			}
			def, ok := cat.Definition(args[0])
			if !ok {
				return domain.CallerError{Kind: domain.ErrUnknownTrait, Name: args[0]}
			}
			view := traitView{Trait: def, Windows: []string{}, Relationships: []domain.Relationship{}}
			for _, w := range cat.AllWindows() {
				if w.Eligible(def.Name) {
					view.Windows = append(view.Windows, w.Name)
				}
			}
			for _, other := range cat.All() {
				if other.Name != def.Name {
					view.Relationships = append(view.Relationships, cat.Relationships(def.Name, other.Name)...)
				}
			}
			sort.Strings(view.Windows)
			return writeJSON(cmd, view)
		},
	}
}

func newCatalogPublishCmd(a *app) *cobra.Command {
	var key string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Validate a catalog document and write it to the blob store",
		Long: `Validates a YAML or JSON catalog document and publishes it to the
configured blob store. Without a file the built-in default catalog is published.

Example:
  equinecore catalog publish catalog.yaml --key catalogs/v2.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			doc := catalog.DefaultDocument()
			if len(args) == 1 {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read catalog: %w", err)
				}
				if doc, err = catalog.Decode(data, catalog.FormatForKey(args[0])); err != nil {
					return err
				}
			}
			if key == "" {
				key = a.cfg.CatalogKey
			}
			if key == "" {
				return fmt.Errorf("a destination key is required (--key or EQUINECORE_CATALOG_KEY)")
			}
			store, err := a.blobStore(ctx)
			if err != nil {
				return err
			}
			obj, err := catalog.Publish(ctx, store, key, doc, overwrite)
			if err != nil {
				return err
			}
			a.logger.Info("catalog published", zap.String("key", obj.Key), zap.Int64("size", obj.Size))
			return writeJSON(cmd, obj)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Destination blob key (default EQUINECORE_CATALOG_KEY)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing document")
	return cmd
}

func newCatalogSourcesCmd(a *app) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List catalog documents in the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			store, err := a.blobStore(ctx)
			if err != nil {
				return err
			}
			objs, err := store.List(ctx, prefix)
			if err != nil {
				return fmt.Errorf("list catalogs: %w", err)
			}
			return writeJSON(cmd, objs)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only keys under this prefix")
	return cmd
}
