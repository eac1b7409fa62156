package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeemAcceptsCamelCaseFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/redemptions", map[string]interface{}{
		"delegationData":       json.RawMessage(testDelegationJSON(testOperatorAddress)),
		"merchantAddress":      testMerchantAddress,
		"tokenContractAddress": testTokenAddress,
		"price":                "20.00",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["transactionHash"])
	assert.Equal(t, resp["transactionHash"], resp["transaction_hash"])
	assert.Contains(t, resp, "errorMessage")
	assert.Contains(t, resp, "error_message")
}

func TestRedeemAcceptsSnakeCaseFields(t *testing.T) {
	env := newTestEnv(t)

	delegationB64 := base64.StdEncoding.EncodeToString([]byte(testDelegationJSON(testOperatorAddress)))
	w := env.do(t, http.MethodPost, "/api/v1/redemptions", map[string]interface{}{
		"delegation_data":        delegationB64,
		"merchant_address":       testMerchantAddress,
		"token_contract_address": testTokenAddress,
		"price":                  "5",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["transaction_hash"])
}

func TestRedeemRejectsWrongDelegate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/redemptions", map[string]interface{}{
		"delegationData":       json.RawMessage(testDelegationJSON("0x9999999999999999999999999999999999999999")),
		"merchantAddress":      testMerchantAddress,
		"tokenContractAddress": testTokenAddress,
		"price":                "20.00",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.NotEmpty(t, resp["errorMessage"])
	assert.Equal(t, resp["errorMessage"], resp["error_message"])
}

func TestRedeemRejectsMissingDelegation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/redemptions", map[string]interface{}{
		"merchantAddress":      testMerchantAddress,
		"tokenContractAddress": testTokenAddress,
		"price":                "20.00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRedeemRejectsInvalidPrice(t *testing.T) {
	env := newTestEnv(t)

	for _, price := range []string{"", "abc", "-5", "0", "1.2345678"} {
		w := env.do(t, http.MethodPost, "/api/v1/redemptions", map[string]interface{}{
			"delegationData":       json.RawMessage(testDelegationJSON(testOperatorAddress)),
			"merchantAddress":      testMerchantAddress,
			"tokenContractAddress": testTokenAddress,
			"price":                price,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, "price %q", price)
	}
}

func TestParsePriceToTokenUnits(t *testing.T) {
	tests := []struct {
		price   string
		want    int64
		wantErr bool
	}{
		{price: "20.00", want: 20_000_000},
		{price: "5", want: 5_000_000},
		{price: "0.000001", want: 1},
		{price: ".50", want: 500_000},
		{price: "19.99", want: 19_990_000},
		{price: "0", wantErr: true},
		{price: "-1", wantErr: true},
		{price: "1.0000001", wantErr: true},
		{price: "", wantErr: true},
		{price: "12a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			units, err := parsePriceToTokenUnits(tt.price)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, units.Int64())
		})
	}
}
