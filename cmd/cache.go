package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/cache"
	"github.com/TFMV/peerbeam/crypto"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the offline file cache",
	Long:  `Commands for working with files cached from past sessions and uploads queued while no peer was reachable.`,
}

// cacheListCmd represents the cache list command
var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached files and queued uploads",
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		store := openCache(logger)
		defer store.Close()

		files, err := store.ListFiles()
		if err != nil {
			logger.Fatal("Failed to list cached files", zap.Error(err))
		}
		fmt.Printf("Cached files (%d):\n", len(files))
		for _, f := range files {
			fmt.Printf("  %s  %s  %d bytes  from %s  %s\n",
				f.ID, f.Name, len(f.Data), f.FromPeer,
				f.ReceivedAt.Format("2006-01-02 15:04:05"))
		}

		uploads, err := store.PendingUploads()
		if err != nil {
			logger.Fatal("Failed to list pending uploads", zap.Error(err))
		}
		fmt.Printf("Pending uploads (%d):\n", len(uploads))
		for _, u := range uploads {
			fmt.Printf("  %s  %s  %d bytes  for %s\n",
				u.ID, u.Name, len(u.Data), u.PeerID)
		}
	},
}

// cacheExportCmd represents the cache export command
var cacheExportCmd = &cobra.Command{
	Use:   "export [file_id]",
	Short: "Write a cached file to the output directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		store := openCache(logger)
		defer store.Close()

		file, err := store.GetFile(args[0])
		if err != nil {
			logger.Fatal("Failed to read cached file", zap.Error(err))
		}
		if file == nil {
			logger.Fatal("No cached file with that id", zap.String("file_id", args[0]))
		}

		path := filepath.Join(outputDir, filepath.Base(file.Name))
		if err := os.WriteFile(path, file.Data, 0644); err != nil {
			logger.Fatal("Failed to write file", zap.String("path", path), zap.Error(err))
		}
		fmt.Printf("Exported %s to %s\n", file.Name, path)
	},
}

// cacheClearCmd represents the cache clear command
var cacheClearCmd = &cobra.Command{
	Use:   "clear-queue",
	Short: "Drop all queued uploads",
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		store := openCache(logger)
		defer store.Close()

		if err := store.ClearQueue(); err != nil {
			logger.Fatal("Failed to clear upload queue", zap.Error(err))
		}
		fmt.Println("Upload queue cleared.")
	},
}

// openCache opens the cache store at the configured path, sealed at rest
// when cache.encrypt is set.
func openCache(logger *zap.Logger) *cache.Store {
	path := viper.GetString("cache.path")
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Fatal("Failed to get user home directory", zap.Error(err))
		}
		path = filepath.Join(homeDir, ".peerbeam", "cache")
	}

	cfg := cache.Config{Path: path}
	if viper.GetBool("cache.encrypt") {
		sealer, err := crypto.NewSealer(logger, filepath.Join(path, "keys"))
		if err != nil {
			logger.Fatal("Failed to initialize cache encryption", zap.Error(err))
		}
		cfg.Cipher = sealer
	}

	store, err := cache.Open(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open cache", zap.String("path", path), zap.Error(err))
	}
	return store
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&outputDir, "output", ".", "directory for exported files")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheExportCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
