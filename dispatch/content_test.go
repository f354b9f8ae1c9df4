package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpilot/models"
)

func sampleLead() *models.Lead {
	return &models.Lead{
		ContactName:  "Maria Souza",
		Phone:        "(11) 98765-4321",
		PropertyType: "apartamento",
		Location:     "Moema, São Paulo",
		PriceDisplay: "R$ 500.000",
	}
}

func TestRenderDefaultTemplates(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	c, err := r.Render(models.TriggerNewLead, NewMessageData(sampleLead(), models.TriggerNewLead, models.ChannelWhatsApp))
	require.NoError(t, err)
	assert.Equal(t, "Sobre o seu imóvel em Moema, São Paulo", c.Subject)
	assert.Contains(t, c.Body, "Olá Maria, tudo bem?")
	assert.Contains(t, c.Body, "apartamento em Moema, São Paulo (R$ 500.000)")

	for _, trig := range []models.TriggerType{models.TriggerFollowUp3d, models.TriggerFollowUp7d} {
		c, err := r.Render(trig, NewMessageData(&models.Lead{}, trig, models.ChannelEmail))
		require.NoError(t, err)
		assert.NotEmpty(t, c.Subject)
		assert.Contains(t, c.Body, "imóvel")
	}

	_, err = r.Render(models.TriggerType("unknown"), MessageData{})
	assert.Error(t, err)
}

func TestRenderOverrideFromDir(t *testing.T) {
	dir := t.TempDir()
	tmpl := `{{define "subject"}}Retorno{{end}}{{define "body"}}Oi {{.FirstName}}!{{end}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "followup_3d.tmpl"), []byte(tmpl), 0o644))

	r, err := NewRenderer(dir)
	require.NoError(t, err)

	c, err := r.Render(models.TriggerFollowUp3d, NewMessageData(sampleLead(), models.TriggerFollowUp3d, models.ChannelEmail))
	require.NoError(t, err)
	assert.Equal(t, Content{Subject: "Retorno", Body: "Oi Maria!"}, c)

	// triggers without an override keep the built-in template
	c, err = r.Render(models.TriggerFollowUp7d, NewMessageData(sampleLead(), models.TriggerFollowUp7d, models.ChannelEmail))
	require.NoError(t, err)
	assert.Equal(t, "Última mensagem sobre o seu anúncio", c.Subject)
}

func TestRenderOverrideMissingBlock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "on_new_lead.tmpl"), []byte(`{{define "subject"}}x{{end}}`), 0o644))

	_, err := NewRenderer(dir)
	assert.Error(t, err)
}

func TestWhatsAppNumber(t *testing.T) {
	assert.Equal(t, "5511987654321", WhatsAppNumber("(11) 98765-4321"))
	assert.Equal(t, "5511987654321", WhatsAppNumber("+55 11 98765-4321"))
	assert.Equal(t, "551133334444", WhatsAppNumber("011 3333-4444"))
	assert.Equal(t, "", WhatsAppNumber("1234"))
	assert.Equal(t, "", WhatsAppNumber(""))

	assert.Equal(t, "https://wa.me/5511987654321?text=Ol%C3%A1+Maria", DeepLink("11 98765-4321", "Olá Maria"))
	assert.Equal(t, "", DeepLink("", "x"))
}
