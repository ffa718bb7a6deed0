package scout

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/model"
)

const statuteSample = `Zakon o porezu na dodanu vrijednost

Narodne novine br. 35/2025

Članak 4.
(1) Opća stopa PDV-a iznosi 25% i primjenjuje se na isporuke dobara i usluga
koje nisu oslobođene poreza prema odredbama ovoga Zakona.
(2) Snižena stopa od 13% primjenjuje se na isporuke iz stavka 3. ovoga članka.

Članak 5.
Porezni obveznik je svaka osoba koja samostalno obavlja gospodarsku
djelatnost. Osnovica za obračun poreza je naknada koju je isporučitelj primio
ili treba primiti za isporučena dobra ili obavljene usluge. Prag za ulazak u
sustav PDV-a iznosi 60.000 EUR godišnjeg prometa.

Ove odredbe stupaju na snagu 1. siječnja 2026. godine, a obveza fiskalizacije
računa primjenjuje se od istog datuma za sve obveznike koji izdaju račune.`

const englishSample = `Value Added Tax Guidance

This guidance explains the rules that apply to the standard VAT rate and the
registration threshold for small businesses. The taxable person shall account
for the tax due on every invoice issued in the period, and the tax rate is
applied to the net amount of the supply. Businesses that are below the
registration threshold of 60.000 EUR in annual turnover are not required to
register, but they may do so voluntarily. The rules described in this
guidance apply to supplies of goods and of services made for consideration.`

// plainSample is valid Croatian prose with no regulatory signal at all.
const plainSample = `Ovo je kratka obavijest za sve posjetitelje koji se
nalaze u gradu ovoga vikenda. Vrijeme je sunčano i toplo, a mnogi ljudi šeću
parkom te uživaju u prirodi. Gradska knjižnica je otvorena od jutra, a u njoj
se održava izložba fotografija koje su snimili učenici osnovnih škola. Na
glavnom trgu svira glazba, a štandovi nude domaće proizvode iz okolnih sela.
Posjetitelji koji žele saznati više o programu mogu se obratiti osoblju koje
se nalazi na ulazu. Svi su dobrodošli i ulaz je slobodan za sve posjetitelje
koji dođu tijekom dana. Organizatori se nadaju lijepom vremenu i dobrom
raspoloženju svih koji dođu.`

// gibberishSample has plenty of letters but no stopword coverage in any
// language the extractors handle.
var gibberishSample = strings.Repeat(`lorem ipsum dolor sit amet consectetur
adipiscing elit sed eiusmod tempor incididunt labore dolore magna aliqua enim
minim veniam quis nostrud exercitation ullamco laboris nisi aliquip ex ea
commodo consequat duis aute irure reprehenderit voluptate velit esse cillum
fugiat nulla pariatur excepteur sint occaecat cupidatat non proident sunt
culpa qui officia deserunt mollit anim id est laborum `, 2)

func TestAssessStatute(t *testing.T) {
	s := New(Config{})

	res := s.Assess(statuteSample, "porezna-uprava")

	assert.False(t, res.Skipped())
	assert.Equal(t, "hr", res.Language)
	assert.Equal(t, model.DocTypeStatute, res.DocType)
	assert.False(t, res.NeedsOCR)
	assert.Greater(t, res.WorthItScore, 0.5)
	assert.Greater(t, res.EstimatedTokens, 0)
	assert.Greater(t, res.DeterminismConfidence, 0.0)
	assert.NotEmpty(t, res.ContentHash)
}

func TestAssessEnglishGuidance(t *testing.T) {
	s := New(Config{})

	res := s.Assess(englishSample, "eu-vat-portal")

	assert.False(t, res.Skipped())
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, model.DocTypeGuidance, res.DocType)
	assert.Greater(t, res.WorthItScore, 0.0)
}

func TestAssessDeterministic(t *testing.T) {
	s := New(Config{})

	first := s.Assess(statuteSample, "porezna-uprava")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.Assess(statuteSample, "porezna-uprava"))
	}
}

// noticeSample matches only a handful of soft keywords and no structural
// patterns, so its score is a float sum that stays under the keyword cap.
const noticeSample = `Obavijest o novim pravilima za male tvrtke

Rok za predaju dokumentacije je kraj mjeseca, a prag za ulazak u sustav
ostaje nepromijenjen za sve male tvrtke koje posluju u zemlji. Osnovica se
utvrđuje prema dosadašnjim pravilima koja se primjenjuju za sve koji su u
sustavu. Obavijest je dostupna na stranicama nadležnog tijela te se odnosi
na sve koji dokumentaciju predaju u navedenom razdoblju.`

func TestAssessDeterministicBelowKeywordCap(t *testing.T) {
	s := New(Config{})

	first := s.Assess(noticeSample, "porezna-uprava")
	require.False(t, first.Skipped())
	// The keyword subset here sums below the cap, so the score carries the
	// raw float sum rather than the clamped value.
	require.Less(t, first.WorthItScore, 0.4)
	require.Greater(t, first.WorthItScore, 0.05)

	for i := 0; i < 200; i++ {
		assert.Equal(t, first, s.Assess(noticeSample, "porezna-uprava"))
	}
}

func TestAssessSkipReasons(t *testing.T) {
	s := New(Config{MaxContentChars: 5000})

	boiler := strings.Repeat("prihvati kolačiće | cookie settings | copyright\n", 40)

	tests := []struct {
		name string
		text string
		want model.SkipReason
	}{
		{"too short", "Članak 1. PDV.", model.SkipTooShort},
		{"too long", strings.Repeat("porez na dodanu vrijednost i stopa ", 400), model.SkipTooLong},
		{"boilerplate", boiler, model.SkipBoilerplate},
		{"wrong language", gibberishSample, model.SkipWrongLanguage},
		{"no regulatory signal", plainSample, model.SkipNoRegulatorySignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Assess(tt.text, "test-source")
			assert.Equal(t, tt.want, res.SkipReason)
			assert.True(t, res.Skipped())
			assert.Zero(t, res.WorthItScore)
		})
	}
}

func TestAssessScannedDocumentNeedsOCR(t *testing.T) {
	s := New(Config{})

	// Replacement-rune soup is what a text layer extracted from a scanned
	// PDF looks like.
	scanned := strings.Repeat("� �� ", 150)
	res := s.Assess(scanned, "narodne-novine")

	require.False(t, res.Skipped())
	assert.True(t, res.NeedsOCR)
	assert.Equal(t, "unknown", res.Language)
	assert.Greater(t, res.EstimatedTokens, 0)
}

func TestAssessDocTypes(t *testing.T) {
	s := New(Config{})

	// Padding keeps each fixture above the minimum length and carries the
	// stopword density for language detection.
	pad := ` Ovo je tekst koji se odnosi na porez i koji je objavljen za sve
obveznike u sustavu. Tekst je dostupan na stranicama nadležnog tijela i
primjenjuje se od datuma objave za sve koji su u sustavu poreza. `

	tests := []struct {
		name string
		text string
		want model.DocType
	}{
		{"ruling", "Mišljenje Porezne uprave o primjeni stope PDV-a." + strings.Repeat(pad, 2), model.DocTypeRuling},
		{"form", "Obrazac PDV-1 za prijavu poreza." + strings.Repeat(pad, 2), model.DocTypeForm},
		{"news", "Priopćenje: objavljeno za medije o novoj stopi poreza." + strings.Repeat(pad, 2), model.DocTypeNews},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Assess(tt.text, "test-source")
			require.False(t, res.Skipped())
			assert.Equal(t, tt.want, res.DocType)
		})
	}
}

func TestEstimateTokensUsesConfiguredRatio(t *testing.T) {
	s := New(Config{CharsPerToken: 4})

	res := s.Assess(statuteSample, "porezna-uprava")
	require.False(t, res.Skipped())

	four := res.EstimatedTokens
	res = New(Config{CharsPerToken: 2}).Assess(statuteSample, "porezna-uprava")
	assert.Greater(t, res.EstimatedTokens, four)
}
