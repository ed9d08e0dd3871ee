package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLocations(t *testing.T) {
	t.Parallel()

	markup := `<html><body>
<a onclick="popup('/cdje/consultaSimples.do?cdVolume=19&amp;nuDiario=4000&amp;cdCaderno=12&amp;nuSeqpagina=3517')">Visualizar</a>
<a onclick="alert('ignored')">Outro</a>
<a href="/cdje/consultaSimples.do?cdVolume=1">sem onclick</a>
<a onclick="popup('/cdje/consultaSimples.do?cdVolume=19&amp;amp;nuDiario=4000&amp;amp;cdCaderno=12&amp;amp;nuSeqpagina=3517')">Duplicado</a>
<a onclick="popup('/cdje/consultaSimples.do?cdVolume=19&amp;nuDiario=4000')">Incompleto</a>
</body></html>`

	locations, err := ExtractLocations(markup, "https://dje.tjsp.jus.br")
	require.NoError(t, err)
	require.Len(t, locations, 2)

	assert.Equal(t,
		"https://dje.tjsp.jus.br/cdje/consultaSimples.do?cdVolume=19&nuDiario=4000&cdCaderno=12&nuSeqpagina=3517",
		locations[0].Reference)
	assert.Equal(t,
		"https://dje.tjsp.jus.br/cdje/getPaginaDoDiario.do?cdVolume=19&nuDiario=4000&cdCaderno=12&nuSeqpagina=3517&uuidCaptcha=",
		locations[0].Download)

	assert.Equal(t, locations[1].Reference, locations[1].Download, "missing parameters keep the reference link")
}

func TestExtractLocationsEmpty(t *testing.T) {
	t.Parallel()

	locations, err := ExtractLocations(`<div class="erro">Nenhum resultado</div>`, defaultBaseURL)
	require.NoError(t, err)
	assert.Empty(t, locations)

	_, err = ExtractLocations("<html></html>", "://bad")
	require.Error(t, err)
}

func TestFindNextPage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		markup string
		want   int
		ok     bool
	}{
		{
			name:   "enabled",
			markup: `<a onclick="trocaDePg(2);">Próximo&gt;</a>`,
			want:   2,
			ok:     true,
		},
		{
			name:   "after previous",
			markup: `<a onclick="trocaDePg(3);">&lt;Anterior</a> <a onclick="trocaDePg(5);">Próximo&gt;</a>`,
			want:   5,
			ok:     true,
		},
		{
			name:   "disabled attribute",
			markup: `<a disabled onclick="trocaDePg(2);">Próximo</a>`,
		},
		{
			name:   "disabled class",
			markup: `<a class="link disabled" onclick="trocaDePg(2);">Próximo</a>`,
		},
		{
			name:   "hidden container",
			markup: `<div style="display: none"><a onclick="trocaDePg(2);">Próximo</a></div>`,
		},
		{
			name:   "no pager call",
			markup: `<a href="#">Próximo</a>`,
		},
		{
			name:   "last page",
			markup: `<a onclick="trocaDePg(1);">Anterior</a>`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := findNextPage("<html><body>" + tc.markup + "</body></html>")
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPaginateScript(t *testing.T) {
	t.Parallel()

	script := paginateScript(4)
	assert.Contains(t, script, "trocaDePg(4);")
	assert.Contains(t, script, `"#divResultadosInferior"`)
	assert.Contains(t, script, `"data-juscash-stale"`)
}
