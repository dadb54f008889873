package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"listing-crawler/pkg/filter"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

// LoadCategories reads category listing URLs, one per line. Blank lines and
// '#' comments are skipped; invalid URLs produce warnings. A missing file or a
// file without a single usable URL is a fatal configuration error.
func LoadCategories(path string) (categories []string, warnings []string, err error) {
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, utils.WrapErrorf(utils.ErrConfigValidation, "categories file '%s' not found", path)
		}
		return nil, nil, err
	}
	seen := make(map[string]bool, len(lines))
	for i, line := range lines {
		u, perr := url.Parse(line)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			warnings = append(warnings, fmt.Sprintf("categories line %d: invalid URL %q, skipping", i+1, line))
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		categories = append(categories, line)
	}
	if len(categories) == 0 {
		return nil, warnings, utils.WrapErrorf(utils.ErrConfigValidation, "categories file '%s' contains no valid URLs", path)
	}
	return categories, warnings, nil
}

// LoadProxies reads proxy entries, one per line. An empty path or a missing file
// yields no proxies (direct connections). Malformed lines produce warnings.
func LoadProxies(path string) (proxies []models.ProxyEntry, warnings []string, err error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, nil
	}
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []string{fmt.Sprintf("proxies file '%s' not found, using direct connections", path)}, nil
		}
		return nil, nil, err
	}
	for i, line := range lines {
		p, perr := models.ParseProxyEntry(line)
		if perr != nil {
			warnings = append(warnings, fmt.Sprintf("proxies line %d: %v, skipping", i+1, perr))
			continue
		}
		proxies = append(proxies, p)
	}
	return proxies, warnings, nil
}

// LoadBlacklist reads seller names to exclude. The file is either a JSON array
// of strings or plain text with one name per line. An empty path or missing file
// yields an empty blacklist.
func LoadBlacklist(path string) (filter.Blacklist, error) {
	if strings.TrimSpace(path) == "" {
		return filter.Blacklist{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return filter.Blacklist{}, nil
		}
		return nil, fmt.Errorf("%w: reading blacklist '%s': %w", utils.ErrFilesystem, path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return nil, fmt.Errorf("%w: blacklist '%s' is not a JSON string array: %w", utils.ErrParsing, path, err)
		}
		return filter.NewBlacklist(names), nil
	}
	lines, err := scanLines(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: reading blacklist '%s': %w", utils.ErrFilesystem, path, err)
	}
	return filter.NewBlacklist(lines), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()
	lines, err := scanLines(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading '%s': %w", utils.ErrFilesystem, path, err)
	}
	return lines, nil
}

// scanLines returns trimmed, non-empty, non-comment lines.
func scanLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
