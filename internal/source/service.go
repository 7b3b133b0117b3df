// Package source はContent Sourceの登録と管理のドメインロジックを提供する。
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
	"github.com/hitoshi/ingestor/internal/repository"
)

// maxExternalRefLength は外部参照の最大長。
const maxExternalRefLength = 512

// webPlatform はサイトフィードURLをソースとする汎用Webプラットフォーム名。
const webPlatform = "web"

// PlatformSet は登録済みプラットフォームの判定。
type PlatformSet interface {
	Get(platform string) (platform.Adapter, bool)
}

// URLValidator はSSRF検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Service はContent Source管理のサービス層。
// 他ユーザーのソースは存在しないものとして扱う。
type Service struct {
	repo      repository.SourceRepository
	platforms PlatformSet
	validator URLValidator
}

// NewService はServiceを生成する。
func NewService(repo repository.SourceRepository, platforms PlatformSet, validator URLValidator) *Service {
	return &Service{repo: repo, platforms: platforms, validator: validator}
}

// Register はソースを登録する。同じ (userID, platform, externalRef) が既にある場合は
// 同期を再開し、無効化やneeds_attentionの状態を解除する。
func (s *Service) Register(ctx context.Context, userID, platformName, externalRef string) (*model.ContentSource, error) {
	platformName = strings.ToLower(strings.TrimSpace(platformName))
	if _, ok := s.platforms.Get(platformName); !ok {
		return nil, model.NewUnknownPlatformError(platformName)
	}

	externalID, err := s.normalizeRef(platformName, externalRef)
	if err != nil {
		return nil, err
	}

	src, err := s.repo.Upsert(ctx, &model.ContentSource{
		UserID:     userID,
		Platform:   platformName,
		ExternalID: externalID,
	})
	if err != nil {
		return nil, fmt.Errorf("ソースの登録に失敗しました: %w", err)
	}
	return src, nil
}

// normalizeRef は外部参照を検証し、ソースの外部IDに正規化する。
// webではサイトフィードのURLをSSRF検証してから正規化する。
func (s *Service) normalizeRef(platformName, externalRef string) (string, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return "", model.NewInvalidRequestError("external_ref は必須です")
	}
	if len(ref) > maxExternalRefLength {
		return "", model.NewInvalidRequestError(fmt.Sprintf("external_ref は%d文字以内で指定してください", maxExternalRefLength))
	}

	if platformName != webPlatform {
		if strings.ContainsAny(ref, " \t\r\n") {
			return "", model.NewInvalidRequestError("external_ref に空白を含めることはできません")
		}
		return ref, nil
	}

	if s.validator != nil {
		if err := s.validator.ValidateURL(ref); err != nil {
			return "", model.NewSSRFBlockedError()
		}
	}
	canonical, err := platform.Canonicalize(ref)
	if err != nil {
		return "", model.NewInvalidResourceError(err.Error())
	}
	return canonical, nil
}

// List はユーザーのソース一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]model.ContentSource, error) {
	sources, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	if sources == nil {
		sources = []model.ContentSource{}
	}
	return sources, nil
}

// Get はユーザーが所有するソースを返す。
func (s *Service) Get(ctx context.Context, userID, sourceID string) (*model.ContentSource, error) {
	src, err := s.repo.FindByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if src == nil || src.UserID != userID {
		return nil, model.NewSourceNotFoundError(sourceID)
	}
	return src, nil
}

// SetSyncEnabled は同期の有効/無効を切り替え、更新後のソースを返す。
func (s *Service) SetSyncEnabled(ctx context.Context, userID, sourceID string, enabled bool) (*model.ContentSource, error) {
	if _, err := s.Get(ctx, userID, sourceID); err != nil {
		return nil, err
	}
	if err := s.repo.SetSyncEnabled(ctx, sourceID, enabled); err != nil {
		return nil, fmt.Errorf("同期設定の更新に失敗しました: %w", err)
	}
	return s.Get(ctx, userID, sourceID)
}

// Reset はneeds_attentionや失敗回数をクリアしてactiveに戻す。
// 認証情報を再接続した後に呼び出す。
func (s *Service) Reset(ctx context.Context, userID, sourceID string) (*model.ContentSource, error) {
	if _, err := s.Get(ctx, userID, sourceID); err != nil {
		return nil, err
	}
	if err := s.repo.Reset(ctx, sourceID); err != nil {
		return nil, fmt.Errorf("ソース状態のリセットに失敗しました: %w", err)
	}
	return s.Get(ctx, userID, sourceID)
}
