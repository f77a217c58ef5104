package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"botfleet/internal/config"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string
	var includeKey bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of botfleet data (registry + dead letters + config)",
		Long: `Creates a compressed .tar.gz archive containing the registry database,
the dead-letter database, and the configuration file. The backup is
timestamped by default. The master key file is only included with
--include-key; treat such archives as carefully as the key itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			registryDB, deadLetterDB, keyFile := dataPaths(cfgPath)

			if outputPath == "" {
				home, _ := os.UserHomeDir()
				backupDir := filepath.Join(home, ".botfleet", "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("botfleet-backup-%s.tar.gz", ts))
			}

			var files []string
			files = appendDatabase(files, registryDB)
			files = appendDatabase(files, deadLetterDB)
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, cfgPath)
			}
			if keyFile != "" {
				if includeKey {
					if _, err := os.Stat(keyFile); err == nil {
						files = append(files, keyFile)
					}
				} else {
					fmt.Printf("Note: master key file excluded (use --include-key to add it)\n")
				}
			}

			if len(files) == 0 {
				return fmt.Errorf("no files to backup (registry: %s, config: %s)", registryDB, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				info, _ := os.Stat(f)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.botfleet/backups/botfleet-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&includeKey, "include-key", false, "include the master key file in the archive")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore botfleet data from a backup archive",
		Long: `Restores the registry database, dead-letter database, and configuration
file from a .tar.gz backup archive created by 'botfleet backup'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: botfleet restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			registryDB, deadLetterDB, keyFile := dataPaths(cfgPath)

			// Safety: warn before overwriting
			if !force {
				existing := false
				for _, p := range []string{registryDB, deadLetterDB, cfgPath} {
					if p == "" {
						continue
					}
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Registry:     %s\n", registryDB)
					fmt.Printf("  Dead letters: %s\n", deadLetterDB)
					fmt.Printf("  Config:       %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			target := func(baseName string) string {
				return restoreTarget(baseName, cfgPath, registryDB, deadLetterDB, keyFile)
			}
			restored, err := extractTarGz(inputPath, target)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// dataPaths resolves the file paths worth backing up. A missing or invalid
// config falls back to defaults so backups still work on a damaged
// installation.
func dataPaths(cfgPath string) (registryDB, deadLetterDB, keyFile string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	return config.ExpandPath(cfg.Registry.DBPath),
		config.ExpandPath(cfg.DeadLetter.DBPath),
		config.ExpandPath(cfg.Registry.MasterKeyFile)
}

// appendDatabase adds a SQLite database and its WAL/SHM sidecars when present.
func appendDatabase(files []string, dbPath string) []string {
	if dbPath == "" {
		return files
	}
	if _, err := os.Stat(dbPath); err != nil {
		return files
	}
	files = append(files, dbPath)
	for _, suffix := range []string{"-wal", "-shm"} {
		sidecar := dbPath + suffix
		if _, err := os.Stat(sidecar); err == nil {
			files = append(files, sidecar)
		}
	}
	return files
}

// restoreTarget maps an archive entry back to its destination path.
func restoreTarget(baseName, cfgPath, registryDB, deadLetterDB, keyFile string) string {
	for _, db := range []string{registryDB, deadLetterDB} {
		if db == "" {
			continue
		}
		base := filepath.Base(db)
		switch baseName {
		case base:
			return db
		case base + "-wal":
			return db + "-wal"
		case base + "-shm":
			return db + "-shm"
		}
	}
	if baseName == filepath.Base(cfgPath) {
		return cfgPath
	}
	if keyFile != "" && baseName == filepath.Base(keyFile) {
		return keyFile
	}
	// Unknown file, restore next to the config.
	return filepath.Join(filepath.Dir(cfgPath), baseName)
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	// Use just the base filename in the archive.
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz extracts archive entries, routing each to target(baseName).
func extractTarGz(archivePath string, target func(string) string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath := target(filepath.Base(header.Name))

		// Create parent directory.
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
