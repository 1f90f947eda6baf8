package console

import (
	"context"
	"fmt"

	"AudioDeck/logger"
	"AudioDeck/model"
)

// UploadImage sets or replaces the reference image.
func (c *Console) UploadImage(ctx context.Context, up Upload) (model.AssetMeta, error) {
	h, err := c.assets.Upload(ctx, up.Name, up.ContentType, up.Data, model.CategoryImage)
	if err != nil {
		return model.AssetMeta{}, fmt.Errorf("upload image: %w", err)
	}
	err = c.do(ctx, func() error {
		old := c.image
		c.image = h
		if old != nil {
			if err := old.Release(); err != nil {
				c.log.Warn("释放旧图片失败", logger.ErrorField(err))
			}
		}
		c.changed()
		return nil
	})
	if err != nil {
		return model.AssetMeta{}, err
	}
	return h.Meta(), nil
}

// DeleteImage removes the reference image.
func (c *Console) DeleteImage(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.image == nil {
			return ErrNoImage
		}
		if err := c.image.Release(); err != nil {
			c.log.Warn("释放图片失败", logger.ErrorField(err))
		}
		c.image = nil
		c.changed()
		return nil
	})
}

// SetImageFit sets how the image fills the panel.
func (c *Console) SetImageFit(ctx context.Context, mode model.ImageFitMode) error {
	if mode != model.FitContain && mode != model.FitCover {
		return fmt.Errorf("%w: %q", ErrInvalidFitMode, mode)
	}
	return c.do(ctx, func() error {
		c.fitMode = mode
		c.changed()
		return nil
	})
}

// SetImageOpacity sets the image opacity in [0,1].
func (c *Console) SetImageOpacity(ctx context.Context, v float64) error {
	return c.do(ctx, func() error {
		c.opacity = model.ClampVolume(v)
		c.changed()
		return nil
	})
}
