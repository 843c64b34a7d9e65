package backend

import (
	"context"
	"net/http"
)

// LoadResult is the outcome of a synchronous data load.
type LoadResult struct {
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	TotalProcessed int64  `json:"total_processed"`
}

type loadResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	Mensagem       string `json:"mensagem"`
	Erro           string `json:"erro"`
	TotalProcessed int64  `json:"total_processado"`
}

// RunCoTitLoad rebuilds the co-holder table of the environment behind
// configKey from its client table: one row for the real holder and two
// fictitious co-holders per client. layout selects the table layout version
// and may be empty for the environment default. The call blocks until the
// backend finishes.
func (c *Client) RunCoTitLoad(ctx context.Context, configKey, layout string) (LoadResult, error) {
	var r loadResponse
	err := c.do(ctx, call{
		method:    http.MethodPost,
		path:      "/executar_carga_cotit",
		configKey: configKey,
		body: struct {
			ConfigKey string `json:"config_key"`
			Layout    string `json:"versao,omitempty"`
		}{configKey, layout},
		out: &r,
	})
	if err != nil {
		return LoadResult{}, err
	}
	if r.Erro != "" || (r.Status != "" && r.Status != "ok") {
		msg := r.Erro
		if msg == "" {
			msg = r.Message
		}
		return LoadResult{}, &APIError{StatusCode: http.StatusOK, Message: msg}
	}

	res := LoadResult{Status: "ok", Message: r.Mensagem, TotalProcessed: r.TotalProcessed}
	if res.Message == "" {
		res.Message = r.Message
	}
	return res, nil
}
