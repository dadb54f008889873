package export

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

// summaryFile is the YAML layout of the run summary
type summaryFile struct {
	models.CrawlResult `yaml:",inline"`
	Duration           string `yaml:"duration"`
	GeneratedAt        string `yaml:"generated_at"`
}

// WriteSummary writes the YAML run summary next to the exported table
func WriteSummary(naming Naming, result *models.CrawlResult) (string, error) {
	if err := naming.ensureDir(); err != nil {
		return "", err
	}
	path := naming.SummaryPath()
	doc := summaryFile{
		CrawlResult: *result,
		Duration:    result.Duration().Round(time.Millisecond).String(),
		GeneratedAt: time.Now().Format(time.RFC3339),
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", utils.WrapErrorf(utils.ErrParsing, "marshal summary YAML: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", utils.WrapErrorf(utils.ErrFilesystem, "write summary %s: %v", path, err)
	}
	return path, nil
}
