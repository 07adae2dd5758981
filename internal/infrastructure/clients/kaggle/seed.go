package kaggle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

// SeedFileName is the Meta Kaggle export holding one row per dataset
const SeedFileName = "Datasets.csv"

var zipMagic = []byte("PK\x03\x04")

// FetchInitialSeed makes sure a fresh copy of the Meta Kaggle export is
// cached locally and streams its rows in batches.
func (c *HTTPClient) FetchInitialSeed(ctx context.Context, batchSize int, forceRedownload bool) iter.Seq2[[]MetaDataset, error] {
	return func(yield func([]MetaDataset, error) bool) {
		path, err := c.ensureSeedFile(ctx, forceRedownload)
		if err != nil {
			yield(nil, err)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			yield(nil, apperrors.NewInternalError("failed to open seed file", err))
			return
		}
		defer f.Close()

		for batch, err := range ReadMetaDatasets(f, batchSize) {
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

func (c *HTTPClient) seedPath() string {
	return filepath.Join(c.cacheDir, SeedFileName)
}

func (c *HTTPClient) ensureSeedFile(ctx context.Context, force bool) (string, error) {
	path := c.seedPath()
	if !force {
		if info, err := os.Stat(path); err == nil {
			age := c.now().Sub(info.ModTime())
			if c.seedMaxAge <= 0 || age < c.seedMaxAge {
				log.Info().Str("path", path).Dur("age", age).Msg("Using cached Meta Kaggle export")
				return path, nil
			}
		}
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", apperrors.NewInternalError("failed to create seed cache dir", err)
	}
	if err := c.downloadSeed(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// downloadSeed streams the export to a temp file, unpacks it when zipped and
// renames it into place so readers never see a partial file.
func (c *HTTPClient) downloadSeed(ctx context.Context, dest string) error {
	log.Info().Str("url", c.seedURL).Msg("Downloading Meta Kaggle export")

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.seedURL)
	if err != nil {
		return apperrors.NewExternalError("failed to download seed export", err)
	}
	body := resp.RawBody()
	defer body.Close()

	found := true
	if err := classifyStatus(resp, &found); err != nil {
		return err
	}
	if !found {
		return apperrors.NewExternalError("seed export not found at "+c.seedURL, nil)
	}

	tmp, err := os.CreateTemp(c.cacheDir, "seed-*.download")
	if err != nil {
		return apperrors.NewInternalError("failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return apperrors.NewExternalError("failed to read seed export", err)
	}

	csvPath := tmpPath
	if zipped, err := isZip(tmpPath); err != nil {
		return apperrors.NewInternalError("failed to inspect seed export", err)
	} else if zipped {
		csvPath = tmpPath + ".csv"
		defer os.Remove(csvPath)
		if err := extractCSV(tmpPath, csvPath); err != nil {
			return err
		}
	}

	if err := os.Rename(csvPath, dest); err != nil {
		return apperrors.NewInternalError("failed to move seed export into cache", err)
	}
	log.Info().Str("path", dest).Int64("bytes", written).Msg("Meta Kaggle export cached")
	return nil
}

func isZip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Equal(header[:n], zipMagic), nil
}

// extractCSV copies Datasets.csv, or the first CSV entry, out of a zip archive
func extractCSV(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return apperrors.NewExternalError("seed export is not a valid zip archive", err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		base := filepath.Base(f.Name)
		if base == SeedFileName {
			entry = f
			break
		}
		if entry == nil && strings.EqualFold(filepath.Ext(base), ".csv") {
			entry = f
		}
	}
	if entry == nil {
		return apperrors.NewExternalError("seed archive contains no csv file", nil)
	}

	src, err := entry.Open()
	if err != nil {
		return apperrors.NewInternalError("failed to open archive entry", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return apperrors.NewInternalError("failed to create extracted csv", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return apperrors.NewInternalError("failed to extract csv", err)
	}
	return out.Close()
}

// ReadMetaDatasets parses a Meta Kaggle Datasets.csv stream into batches.
// Rows without a numeric Id are skipped.
func ReadMetaDatasets(r io.Reader, batchSize int) iter.Seq2[[]MetaDataset, error] {
	return func(yield func([]MetaDataset, error) bool) {
		if batchSize <= 0 {
			batchSize = 1000
		}

		reader := csv.NewReader(r)
		reader.ReuseRecord = true
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(nil, apperrors.NewExternalError("failed to read seed header", err))
			return
		}
		columns := make(map[string]int, len(header))
		for i, name := range header {
			columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
		}
		if _, ok := columns["Id"]; !ok {
			yield(nil, apperrors.NewValidationError("seed export has no Id column"))
			return
		}

		batch := make([]MetaDataset, 0, batchSize)
		line := 1
		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			line++
			if err != nil {
				yield(nil, apperrors.NewExternalError(fmt.Sprintf("failed to parse seed line %d", line), err))
				return
			}

			row, ok := parseMetaRow(record, columns)
			if !ok {
				continue
			}
			batch = append(batch, row)
			if len(batch) == batchSize {
				if !yield(batch, nil) {
					return
				}
				batch = make([]MetaDataset, 0, batchSize)
			}
		}
		if len(batch) > 0 {
			yield(batch, nil)
		}
	}
}

func parseMetaRow(record []string, columns map[string]int) (MetaDataset, bool) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	id, err := strconv.ParseInt(field("Id"), 10, 64)
	if err != nil {
		return MetaDataset{}, false
	}

	return MetaDataset{
		ID:                         id,
		CreatorUserID:              optionalInt(field("CreatorUserId")),
		OwnerUserID:                optionalInt(field("OwnerUserId")),
		OwnerOrganizationID:        optionalInt(field("OwnerOrganizationId")),
		CurrentDatasetVersionID:    optionalInt(field("CurrentDatasetVersionId")),
		CurrentDatasourceVersionID: optionalInt(field("CurrentDatasourceVersionId")),
		ForumID:                    optionalInt(field("ForumId")),
		Type:                       optionalInt(field("Type")),
		CreationDate:               ParseTime(field("CreationDate")),
		LastActivityDate:           ParseTime(field("LastActivityDate")),
		TotalViews:                 intOrZero(field("TotalViews")),
		TotalDownloads:             intOrZero(field("TotalDownloads")),
		TotalVotes:                 intOrZero(field("TotalVotes")),
		TotalKernels:               intOrZero(field("TotalKernels")),
	}, true
}

// optionalInt parses ints that pandas may have written as floats ("12.0")
func optionalInt(s string) *int64 {
	if s == "" {
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		v := int64(f)
		return &v
	}
	return nil
}

func intOrZero(s string) int64 {
	if v := optionalInt(s); v != nil {
		return *v
	}
	return 0
}
