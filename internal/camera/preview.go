package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// previewQuality はプレビュー用JPEGの品質
const previewQuality = 70

// Preview はフレームを複数の購読者へ配信する
// 購読者の受信が遅れた場合は古いフレームを破棄して最新を残す
type Preview struct {
	width int    // 出力幅（0は縮小しない）
	label string // 左上に描画する文字列

	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

// NewPreview は新しいPreviewを作成する
func NewPreview(width int, label string) *Preview {
	return &Preview{
		width: width,
		label: label,
		subs:  make(map[int]chan []byte),
	}
}

// Subscribe は購読用チャンネルと解除関数を返す
// クローズ済みの場合はok=false
func (p *Preview) Subscribe() (<-chan []byte, func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, false
	}

	id := p.nextID
	p.nextID++
	ch := make(chan []byte, 1)
	p.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, true
}

// HasSubscribers は購読者がいる場合にtrueを返す
func (p *Preview) HasSubscribers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs) > 0
}

// Publish はJPEGフレームを縮小して全購読者へ送る
func (p *Preview) Publish(frame []byte) error {
	if !p.HasSubscribers() {
		return nil
	}

	out, err := p.render(frame)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.subs {
		select {
		case ch <- out:
		default:
			// 受信されていないフレームを捨てて入れ替える
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- out:
			default:
			}
		}
	}
	return nil
}

// Close は全購読者のチャンネルを閉じる
func (p *Preview) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

// render はフレームをデコードし、縮小とラベル描画を行ってJPEGに戻す
func (p *Preview) render(frame []byte) ([]byte, error) {
	if p.width <= 0 && p.label == "" {
		return frame, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("プレビューのデコードに失敗: %w", err)
	}

	dst := scaleToWidth(src, p.width)
	if p.label != "" {
		drawLabel(dst, p.label)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: previewQuality}); err != nil {
		return nil, fmt.Errorf("プレビューのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// scaleToWidth は縦横比を保って幅widthに縮小する
// widthが0以下か元画像より大きい場合は等倍でコピーする
func scaleToWidth(src image.Image, width int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if width > 0 && width < w {
		h = h * width / w
		w = width
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// drawLabel は左上に黒背景の文字列を描画する
func drawLabel(img *image.RGBA, label string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil() + 4
	height := face.Height + 2

	draw.Draw(img, image.Rect(0, 0, width, height), image.NewUniform(color.Black), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(2),
			Y: fixed.I(face.Ascent + 1),
		},
	}
	drawer.DrawString(label)
}
