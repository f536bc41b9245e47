// Package resolver は任意の文字列から作家のプロフィールと作品一覧を特定する。
//
// 入力がhandle、ユーザーID、usernameのどれなのかは分からないため、
// 決まった順序で検索を試し、最初に見つかったものを採用する。
package resolver

import (
	"context"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/artfolio/internal/model"
	"github.com/nao1215/artfolio/internal/platform"
)

// Result は解決結果。Profileは見つからなかった場合nilになる。
type Result struct {
	Profile  platform.Row   `json:"profile"`
	Artworks []platform.Row `json:"artworks"`
}

// Resolver は作家の解決を行う。
type Resolver struct {
	tables platform.Tables
	logger *zap.Logger
}

// New はResolverを生成する。
func New(tables platform.Tables, logger *zap.Logger) *Resolver {
	return &Resolver{tables: tables, logger: logger}
}

// Resolve はhandleからプロフィールと作品一覧を求める。
//
// プロフィールの検索順序:
//  1. profiles.handle
//  2. handleがUUIDの形式であればprofiles.id
//  3. profiles.username
//  4. artworks_with_usernameをhandle、usernameの順に検索し、先頭行のuser_idでprofiles.id
//
// 作品はプロフィールが見つかればそのユーザーのもの、見つからなければビューの検索結果を使い、
// 作成日時の降順に並べる。どの段階でも検索が失敗した場合は結果を返さずにエラーを返す。
func (r *Resolver) Resolve(ctx context.Context, handle string) (*Result, error) {
	profile, viewRows, err := r.findProfile(ctx, handle)
	if err != nil {
		return nil, err
	}

	var artworks []platform.Row
	if profile != nil {
		artworks, err = r.tables.QueryRows(ctx, model.TableArtworks, model.ColumnUserID, profile.String(model.ColumnID))
		if err != nil {
			return nil, errors.WithMessage(err, "作品の取得に失敗")
		}
	} else {
		artworks = viewRows
		r.logger.Debug("プロフィールが見つからないためビューの作品を返します",
			zap.String("handle", handle), zap.Int("artworks", len(artworks)))
	}

	artworks = platform.SanitizeRows(artworks)
	SortNewestFirst(artworks)

	return &Result{
		Profile:  platform.Sanitize(profile),
		Artworks: artworks,
	}, nil
}

// findProfile はプロフィールを検索する。ビューを検索した場合はその結果も返す。
func (r *Resolver) findProfile(ctx context.Context, handle string) (platform.Row, []platform.Row, error) {
	steps := []struct {
		column string
		skip   bool
	}{
		{column: model.ColumnHandle},
		{column: model.ColumnID, skip: !IsUUID(handle)},
		{column: model.ColumnUsername},
	}
	for _, s := range steps {
		if s.skip {
			continue
		}
		row, found, err := r.queryProfile(ctx, s.column, handle)
		if err != nil {
			return nil, nil, err
		}
		if found {
			return row, nil, nil
		}
	}

	viewRows, err := r.findInView(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	if len(viewRows) == 0 {
		return nil, viewRows, nil
	}

	ownerID := viewRows[0].String(model.ColumnUserID)
	if ownerID == "" {
		return nil, viewRows, nil
	}
	row, _, err := r.queryProfile(ctx, model.ColumnID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	return row, viewRows, nil
}

// findInView はビューをhandle、usernameの順に検索し、最初に見つかった行を返す。
func (r *Resolver) findInView(ctx context.Context, handle string) ([]platform.Row, error) {
	for _, column := range []string{model.ColumnHandle, model.ColumnUsername} {
		rows, err := r.tables.QueryRows(ctx, model.ViewArtworksWithUsername, column, handle)
		if err != nil {
			return nil, errors.WithMessagef(err, "ビューの検索に失敗 (%s)", column)
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	return []platform.Row{}, nil
}

func (r *Resolver) queryProfile(ctx context.Context, column, value string) (platform.Row, bool, error) {
	row, err := r.tables.QueryRow(ctx, model.TableProfiles, column, value)
	if errors.Is(err, platform.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithMessagef(err, "プロフィールの検索に失敗 (%s)", column)
	}
	return row, true, nil
}

// IsUUID はsが8-4-4-4-12形式の16進数のUUIDかどうかを返す。大文字小文字は区別しない。
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
