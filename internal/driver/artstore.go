package driver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"
)

// ArtstoreDriver — HTTP-клиент Storage Element: загрузка multipart,
// скачивание и удаление файлов, запрос ёмкости.
// URI физической копии: artstore://{location}/{file_id}.
type ArtstoreDriver struct {
	location   string
	baseURL    string
	token      string
	httpClient *http.Client
	source     *SourceOpener
	logger     *slog.Logger
}

// seFile — метаданные файла в ответе Storage Element.
type seFile struct {
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// seInfo — ответ GET /api/v1/info.
type seInfo struct {
	StorageID string      `json:"storage_id"`
	Mode      string      `json:"mode"`
	Status    string      `json:"status"`
	Capacity  *seCapacity `json:"capacity,omitempty"`
}

type seCapacity struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// NewArtstoreDriver создаёт драйвер Storage Element.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
func NewArtstoreDriver(location, baseURL, token, caCertPath string, source *SourceOpener, logger *slog.Logger) (*ArtstoreDriver, error) {
	httpClient := &http.Client{Timeout: 10 * time.Minute}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата SE: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		logger.Info("CA-сертификат SE добавлен в пул доверия",
			slog.String("location", location),
			slog.String("ca_cert", caCertPath),
		)
	}

	return &ArtstoreDriver{
		location:   location,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		source:     source,
		logger:     logger.With(slog.String("component", "artstore_driver"), slog.String("location", location)),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{RootCAs: caCertPool}, nil
}

// Store загружает исходный файл в Storage Element (POST /api/v1/files/upload).
// Тело multipart формируется потоково через io.Pipe.
func (d *ArtstoreDriver) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	src, err := d.source.Open(ctx, req.SourceURI)
	if err != nil {
		return StoreResult{}, err
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, req, src))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/v1/files/upload", pr)
	if err != nil {
		pr.Close()
		return StoreResult{}, fmt.Errorf("создание запроса Upload: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var file seFile
	if err := d.do(httpReq, http.StatusCreated, &file); err != nil {
		pr.Close()
		return StoreResult{}, err
	}
	if file.FileID == "" {
		return StoreResult{}, fmt.Errorf("SE %s не вернул file_id", d.location)
	}
	if err := verify(req.Checksum, req.Algorithm, file.Checksum); err != nil {
		if delErr := d.deleteFile(ctx, file.FileID); delErr != nil {
			d.logger.Warn("Не удалось удалить файл с неверной контрольной суммой",
				slog.String("file_id", file.FileID),
				slog.String("error", delErr.Error()),
			)
		}
		return StoreResult{}, err
	}

	uri := (&url.URL{Scheme: "artstore", Host: d.location, Path: "/" + file.FileID}).String()
	return StoreResult{PhysicalURI: uri, Size: file.Size, Checksum: file.Checksum}, nil
}

func writeMultipart(mw *multipart.Writer, req StoreRequest, src io.Reader) error {
	contentType := req.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := req.Filename
	if filename == "" {
		filename = req.Checksum
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	if err := mw.WriteField("description", "checksum="+req.Checksum); err != nil {
		return err
	}
	return mw.Close()
}

// Delete удаляет файл (DELETE /api/v1/files/{file_id}). Отсутствующий файл — не ошибка.
func (d *ArtstoreDriver) Delete(ctx context.Context, physicalURI string) error {
	fileID, err := d.fileID(physicalURI)
	if err != nil {
		return err
	}
	return d.deleteFile(ctx, fileID)
}

func (d *ArtstoreDriver) deleteFile(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+"/api/v1/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return fmt.Errorf("создание запроса Delete: %w", err)
	}
	err = d.do(req, http.StatusOK, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// Restore скачивает файл (GET /api/v1/files/{file_id}/download) в каталог кэша.
func (d *ArtstoreDriver) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	fileID, err := d.fileID(req.PhysicalURI)
	if err != nil {
		return RestoreResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.baseURL+"/api/v1/files/"+url.PathEscape(fileID)+"/download", nil)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("создание запроса Download: %w", err)
	}
	d.authorize(httpReq)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("запрос Download к %s: %w", d.location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RestoreResult{}, statusError(d.location, "Download", resp)
	}

	return restoreInto(req, resp.Body)
}

// Capacity запрашивает ёмкость Storage Element (GET /api/v1/info).
func (d *ArtstoreDriver) Capacity(ctx context.Context) (int64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/v1/info", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("создание запроса Info: %w", err)
	}
	var info seInfo
	if err := d.do(req, http.StatusOK, &info); err != nil {
		return 0, 0, err
	}
	if info.Capacity == nil {
		return 0, 0, fmt.Errorf("SE %s не сообщил ёмкость", d.location)
	}
	return info.Capacity.TotalBytes, info.Capacity.UsedBytes, nil
}

// fileID извлекает идентификатор файла из artstore:// URI своего хранилища.
func (d *ArtstoreDriver) fileID(physicalURI string) (string, error) {
	u, err := url.Parse(physicalURI)
	if err != nil || u.Scheme != "artstore" || u.Host != d.location {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, physicalURI)
	}
	id := strings.TrimPrefix(u.Path, "/")
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, physicalURI)
	}
	return id, nil
}

func (d *ArtstoreDriver) authorize(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

// do выполняет запрос и декодирует JSON-ответ в out (nil — тело не читается).
func (d *ArtstoreDriver) do(req *http.Request, expected int, out any) error {
	d.authorize(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s %s к %s: %w", req.Method, req.URL.Path, d.location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected && !(expected == http.StatusOK && resp.StatusCode == http.StatusNoContent) {
		return statusError(d.location, req.Method+" "+req.URL.Path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s от %s: %w", req.URL.Path, d.location, err)
	}
	return nil
}

// StatusError — неожиданный HTTP-статус ответа Storage Element.
type StatusError struct {
	Location string
	Op       string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("SE %s %s вернул статус %d: %s", e.Location, e.Op, e.Code, e.Body)
}

func statusError(location, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Location: location, Op: op, Code: resp.StatusCode, Body: string(body)}
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
