package mapping

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tke/internal/tkerr"
)

// HTTPConverter renders workbooks through an external document converter
// service (xlsx → PDF → per-page PNG).
type HTTPConverter struct {
	url  string
	http *http.Client
}

// NewHTTPConverter builds a converter client for the given service URL.
func NewHTTPConverter(url string) *HTTPConverter {
	return &HTTPConverter{url: url, http: &http.Client{Timeout: 120 * time.Second}}
}

type renderResponse struct {
	Pages []string `json:"pages"` // base64 PNG per page
}

// RenderPages uploads the workbook and returns one PNG per page.
func (c *HTTPConverter) RenderPages(ctx context.Context, xlsxPath string, dpi int) ([][]byte, error) {
	data, err := os.ReadFile(xlsxPath)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("dpi", strconv.Itoa(dpi)); err != nil {
		return nil, err
	}
	part, err := w.CreateFormFile("file", filepath.Base(xlsxPath))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, tkerr.Dependencyf("converter: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, tkerr.Dependencyf("converter status %d: %s", resp.StatusCode, string(raw))
	}

	var rr renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, tkerr.Dependencyf("converter: decode response: %v", err)
	}
	pages := make([][]byte, 0, len(rr.Pages))
	for i, enc := range rr.Pages {
		png, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, tkerr.Dependencyf("converter: page %d: %v", i+1, err)
		}
		pages = append(pages, png)
	}
	return pages, nil
}
