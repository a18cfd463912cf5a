package escrow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"asamart/observability/metrics"
)

// Resolver obtains the compiled sale contract for (seller, asset, price).
// Repeated calls with identical inputs must yield a program deriving the same
// escrow address.
type Resolver interface {
	Resolve(ctx context.Context, seller string, assetIndex, price uint64) (*Contract, error)
}

// HTTPResolver fetches contracts from the remote contract service.
type HTTPResolver struct {
	baseURL string
	http    *http.Client
}

// NewHTTPResolver builds a resolver against the service base URL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type resolveResponse struct {
	Result string `json:"result"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, seller string, assetIndex, price uint64) (*Contract, error) {
	if strings.TrimSpace(seller) == "" {
		return nil, fmt.Errorf("%w: seller address required", ErrContractResolution)
	}
	if assetIndex == 0 || price == 0 {
		return nil, fmt.Errorf("%w: asset and price must be positive", ErrContractResolution)
	}

	query := url.Values{}
	query.Set("seller", seller)
	query.Set("asset", strconv.FormatUint(assetIndex, 10))
	query.Set("price", strconv.FormatUint(price, 10))
	endpoint := fmt.Sprintf("%s/asset_sale_contract?%s", r.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractResolution, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		metrics.Market().ObserveResolverRequest("error")
		return nil, fmt.Errorf("%w: %v", ErrContractResolution, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.Market().ObserveResolverRequest("error")
		return nil, fmt.Errorf("%w: status=%d", ErrContractResolution, resp.StatusCode)
	}
	var payload resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.Market().ObserveResolverRequest("invalid")
		return nil, fmt.Errorf("%w: decode response: %v", ErrContractResolution, err)
	}
	program, err := base64.StdEncoding.DecodeString(payload.Result)
	if err != nil {
		metrics.Market().ObserveResolverRequest("invalid")
		return nil, fmt.Errorf("%w: program is not base64: %v", ErrContractResolution, err)
	}
	contract, err := NewContract(program)
	if err != nil {
		metrics.Market().ObserveResolverRequest("invalid")
		return nil, err
	}
	metrics.Market().ObserveResolverRequest("ok")
	return contract, nil
}
