package challenge

import (
	"bytes"
	crand "crypto/rand"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	Width        = 240
	Height       = 90
	AnswerLength = 6

	alphabet   = "abcdefghijklmnopqrstuvwxyz"
	noiseDots  = 1200
	noiseLines = 5
)

// Challenge is one rendered captcha. Image holds PNG bytes.
type Challenge struct {
	Answer string
	Image  []byte
}

// Matches compares a submitted answer, ignoring case and surrounding space.
func (c Challenge) Matches(input string) bool {
	return c.Answer != "" && strings.EqualFold(strings.TrimSpace(input), c.Answer)
}

// Generator renders image captchas. It is safe for concurrent use.
type Generator struct {
	font *truetype.Font
}

func NewGenerator() (*Generator, error) {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return &Generator{font: font}, nil
}

// Generate renders a challenge from a fresh crypto/rand seed.
func (g *Generator) Generate() (Challenge, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return Challenge{}, fmt.Errorf("read seed: %w", err)
	}
	return g.FromSeed(seed)
}

// FromSeed renders the challenge determined by seed.
func (g *Generator) FromSeed(seed [32]byte) (Challenge, error) {
	rng := rand.New(rand.NewChaCha8(seed))

	answer := make([]byte, AnswerLength)
	for i := range answer {
		answer[i] = alphabet[rng.IntN(len(alphabet))]
	}

	dc := gg.NewContext(Width, Height)
	dc.SetRGB(0.96, 0.96, 0.94)
	dc.Clear()

	for i := 0; i < noiseDots; i++ {
		dc.SetRGBA(rng.Float64(), rng.Float64(), rng.Float64(), 0.35)
		dc.DrawPoint(float64(rng.IntN(Width)), float64(rng.IntN(Height)), 1)
		dc.Fill()
	}

	face := truetype.NewFace(g.font, &truetype.Options{Size: 40})
	defer face.Close()
	dc.SetFontFace(face)

	step := float64(Width) / float64(AnswerLength+1)
	for i, char := range string(answer) {
		dc.SetRGB(0.1+0.5*rng.Float64(), 0.1+0.5*rng.Float64(), 0.2+0.5*rng.Float64())
		angle := (rng.Float64() - 0.5) * 0.7
		x := step*float64(i+1) + (rng.Float64()-0.5)*8
		y := float64(Height)/2 + 10*math.Sin(float64(i)+rng.Float64())

		dc.RotateAbout(angle, x, y)
		dc.DrawStringAnchored(string(char), x, y, 0.5, 0.5)
		dc.RotateAbout(-angle, x, y)
	}

	for i := 0; i < noiseLines; i++ {
		dc.SetRGBA(0.3, 0.3, 0.3, 0.55)
		dc.SetLineWidth(1 + rng.Float64())
		dc.DrawLine(0, float64(rng.IntN(Height)), Width, float64(rng.IntN(Height)))
		dc.Stroke()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return Challenge{}, fmt.Errorf("encode png: %w", err)
	}
	return Challenge{Answer: string(answer), Image: buf.Bytes()}, nil
}
