package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"license-authority/internal/config"
	"license-authority/internal/model"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// LicenseMirror 把许可证镜像到外部表格，失败不影响核心流程
type LicenseMirror interface {
	SyncLicense(ctx context.Context, license *model.License) error
	BatchSyncLicenses(ctx context.Context, licenses []*model.License) error
}

// SheetSyncService Google Sheets 镜像，列为 A..H
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger
}

// NewSheetSyncService 未启用时返回 nil，nil 接收者上的方法都是空操作
func NewSheetSyncService(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger, opts ...option.ClientOption) (*SheetSyncService, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.CredentialPath != "" {
		// 读取凭证文件
		b, err := os.ReadFile(cfg.CredentialPath)
		if err != nil {
			return nil, fmt.Errorf("读取凭证文件失败: %w", err)
		}

		// 使用服务账号授权
		creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("无法加载凭证: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &SheetSyncService{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		logger:        logger,
	}, nil
}

func licenseRow(license *model.License) []interface{} {
	return []interface{}{
		license.Key,
		license.Type,
		strconv.FormatBool(license.Active),
		license.ExpiresAt.Format(time.RFC3339),
		license.AccountID,
		license.MaxDevices,
		license.CreatedAt.Format(time.RFC3339),
		license.UpdatedAt.Format(time.RFC3339),
	}
}

// ensureSheet 检查工作表是否存在
func (s *SheetSyncService) ensureSheet(ctx context.Context) error {
	spreadsheet, err := s.service.Spreadsheets.Get(s.spreadsheetID).
		Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("获取Spreadsheet信息失败: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == s.sheetName {
			return nil
		}
	}
	return fmt.Errorf("工作表'%s'不存在", s.sheetName)
}

// SyncLicense 按 Key 更新已有行，没有则追加
func (s *SheetSyncService) SyncLicense(ctx context.Context, license *model.License) error {
	if s == nil {
		return nil
	}
	if err := s.ensureSheet(ctx); err != nil {
		return err
	}

	keyResp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A2:A").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("查询Sheet数据失败: %w", err)
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && row[0] == license.Key {
			rowIndex = i + 2 // 数据从第2行开始
			break
		}
	}

	values := &sheets.ValueRange{Values: [][]interface{}{licenseRow(license)}}
	if rowIndex > 0 {
		rangeData := fmt.Sprintf("%s!A%d:H%d", s.sheetName, rowIndex, rowIndex)
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, values).
			ValueInputOption("USER_ENTERED").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A2:H", values).
			ValueInputOption("USER_ENTERED").Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("同步到Google Sheet失败: %w", err)
	}

	s.logger.InfoContext(ctx, "license mirrored to sheet", "license_id", license.ID, "updated", rowIndex > 0)
	return nil
}

// BatchSyncLicenses 清空数据区后整体写入
func (s *SheetSyncService) BatchSyncLicenses(ctx context.Context, licenses []*model.License) error {
	if s == nil {
		return nil
	}
	if err := s.ensureSheet(ctx); err != nil {
		return err
	}

	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.sheetName+"!A2:H", &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("清空工作表失败: %w", err)
	}
	if len(licenses) == 0 {
		return nil
	}

	values := make([][]interface{}, 0, len(licenses))
	for _, license := range licenses {
		values = append(values, licenseRow(license))
	}

	rangeData := fmt.Sprintf("%s!A2:H%d", s.sheetName, len(licenses)+1)
	if _, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return fmt.Errorf("批量同步许可证失败: %w", err)
	}

	s.logger.InfoContext(ctx, "licenses exported to sheet", "count", len(licenses))
	return nil
}
