package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArrayField streams the elements of one top-level array field of a
// JSON object, e.g. the "features" of a GeoJSON FeatureCollection, without
// loading the document. Other top-level fields are skipped. Numbers decoded
// into interface values arrive as json.Number so large integer ids keep every
// digit. Both channels are closed when processing completes.
func DecodeJSONArrayField[T any](ctx context.Context, r io.Reader, field string) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()
		if err := expectDelim(decoder, '{'); err != nil {
			errCh <- err
			return
		}

		for decoder.More() {
			tok, err := decoder.Token()
			if err != nil {
				errCh <- eris.Wrap(err, "json: read object key")
				return
			}
			key, _ := tok.(string)
			if key != field {
				var skip json.RawMessage
				if err := decoder.Decode(&skip); err != nil {
					errCh <- eris.Wrapf(err, "json: skip field %q", key)
					return
				}
				continue
			}

			if err := expectDelim(decoder, '['); err != nil {
				errCh <- eris.Wrapf(err, "json: field %q", field)
				return
			}
			if err := streamElements(ctx, decoder, outCh); err != nil {
				errCh <- err
			}
			return
		}
		errCh <- eris.Errorf("json: field %q not found", field)
	}()

	return outCh, errCh
}

func streamElements[T any](ctx context.Context, decoder *json.Decoder, outCh chan<- T) error {
	for decoder.More() {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "json: context cancelled")
		}

		var item T
		if err := decoder.Decode(&item); err != nil {
			return eris.Wrap(err, "json: decode element")
		}

		select {
		case outCh <- item:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "json: context cancelled")
		}
	}
	if _, err := decoder.Token(); err != nil && err != io.EOF {
		return eris.Wrap(err, "json: read closing token")
	}
	return nil
}

func expectDelim(decoder *json.Decoder, want json.Delim) error {
	tok, err := decoder.Token()
	if err != nil {
		return eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return eris.Errorf("json: expected '%c', got %v", want, tok)
	}
	return nil
}
